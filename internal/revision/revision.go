package revision

import "strings"

// Kind tags a revision and selects which payload type it carries.
type Kind string

const (
	KindFile      Kind = "file"
	KindForm      Kind = "form"
	KindSignature Kind = "signature"
	KindWitness   Kind = "witness"
	KindLink      Kind = "link"
)

func ParseKind(value string) (Kind, bool) {
	switch Kind(value) {
	case KindFile, KindForm, KindSignature, KindWitness, KindLink:
		return Kind(value), true
	default:
		return "", false
	}
}

// DefaultVersion is stamped on reconstructed revisions that were stored
// without an explicit protocol version.
const DefaultVersion = "https://aqua-protocol.org/docs/v3/schema_2 | SHA256 | Method: scalar"

// Revision is one scope-agnostic node of an aqua tree. Previous is the
// un-scoped hash of the predecessor, empty for a genesis revision.
type Revision struct {
	Hash           string
	Previous       string
	LocalTimestamp string
	Version        string
	Nonce          string
	ContentHash    string
	Leaves         []string
	Payload        Payload
}

func (r Revision) Kind() Kind {
	if r.Payload == nil {
		return KindFile
	}
	return r.Payload.Kind()
}

func (r Revision) IsGenesis() bool {
	return r.Previous == ""
}

// Payload is the kind-specific part of a revision. Exactly one concrete type
// exists per Kind.
type Payload interface {
	Kind() Kind
}

type FilePayload struct{}

func (FilePayload) Kind() Kind { return KindFile }

type FormField struct {
	Name  string
	Value string
	// Type is one of string, number, boolean or object and controls how
	// Value is re-encoded on the wire.
	Type string
}

type FormPayload struct {
	Fields []FormField
}

func (FormPayload) Kind() Kind { return KindForm }

// Field returns the value of the named form field. The "forms_" prefix is
// optional.
func (p FormPayload) Field(name string) (string, bool) {
	name = strings.TrimPrefix(name, formPrefix)
	for _, f := range p.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

type SignaturePayload struct {
	// Digest is the signature as submitted. DID signatures carry a JSON
	// object here.
	Digest        string
	PublicKey     string
	WalletAddress string
	Type          string
}

func (SignaturePayload) Kind() Kind { return KindSignature }

func (p SignaturePayload) isDID() bool {
	return strings.Contains(p.Type, "did")
}

type WitnessPayload struct {
	MerkleRoot      string
	Timestamp       int64
	Network         string
	ContractAddress string
	TransactionHash string
	SenderAddress   string
}

func (WitnessPayload) Kind() Kind { return KindWitness }

type LinkPayload struct {
	Type                       string
	RequireIndepthVerification bool
	VerificationHashes         []string
	FileHashes                 []string
}

func (LinkPayload) Kind() Kind { return KindLink }
