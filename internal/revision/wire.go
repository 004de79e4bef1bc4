package revision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const formPrefix = "forms_"

// MarshalJSON emits the flat aqua protocol revision object. The revision hash
// is not part of the object; it is the key under which the tree stores it.
func (r Revision) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"previous_verification_hash": r.Previous,
		"local_timestamp":            r.LocalTimestamp,
		"revision_type":              string(r.Kind()),
	}
	if r.Version != "" {
		out["version"] = r.Version
	}
	if r.ContentHash != "" {
		out["file_hash"] = r.ContentHash
	}
	if r.Nonce != "" {
		out["file_nonce"] = r.Nonce
	}
	if r.Leaves != nil {
		out["leaves"] = r.Leaves
	}

	switch p := r.Payload.(type) {
	case nil, FilePayload:
	case FormPayload:
		for _, f := range p.Fields {
			value, err := encodeFormValue(f)
			if err != nil {
				return nil, fmt.Errorf("encode form field %s: %w", f.Name, err)
			}
			out[formPrefix+f.Name] = value
		}
	case SignaturePayload:
		if p.isDID() && json.Valid([]byte(p.Digest)) {
			out["signature"] = json.RawMessage(p.Digest)
		} else {
			out["signature"] = p.Digest
		}
		out["signature_public_key"] = p.PublicKey
		out["signature_wallet_address"] = p.WalletAddress
		out["signature_type"] = p.Type
	case WitnessPayload:
		out["witness_merkle_root"] = p.MerkleRoot
		out["witness_timestamp"] = p.Timestamp
		out["witness_network"] = p.Network
		out["witness_smart_contract_address"] = p.ContractAddress
		out["witness_transaction_hash"] = p.TransactionHash
		out["witness_sender_account_address"] = p.SenderAddress
		out["witness_merkle_proof"] = []string{p.MerkleRoot}
	case LinkPayload:
		out["link_type"] = p.Type
		out["link_require_indepth_verification"] = p.RequireIndepthVerification
		out["link_verification_hashes"] = nonNil(p.VerificationHashes)
		out["link_file_hashes"] = nonNil(p.FileHashes)
	default:
		return nil, fmt.Errorf("unsupported payload %T", r.Payload)
	}
	return json.Marshal(out)
}

func (r *Revision) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedTree, err)
	}

	var kindText string
	if err := readField(raw, "revision_type", &kindText); err != nil {
		return err
	}
	kind, ok := ParseKind(kindText)
	if !ok {
		return fmt.Errorf("%w: unknown revision_type %q", ErrMalformedTree, kindText)
	}

	var out Revision
	for key, dst := range map[string]*string{
		"previous_verification_hash": &out.Previous,
		"local_timestamp":            &out.LocalTimestamp,
		"version":                    &out.Version,
		"file_hash":                  &out.ContentHash,
		"file_nonce":                 &out.Nonce,
	} {
		if err := readField(raw, key, dst); err != nil {
			return err
		}
	}
	if err := readField(raw, "leaves", &out.Leaves); err != nil {
		return err
	}

	switch kind {
	case KindFile:
		out.Payload = FilePayload{}
	case KindForm:
		p, err := decodeForm(raw)
		if err != nil {
			return err
		}
		out.Payload = p
	case KindSignature:
		var p SignaturePayload
		if sig, ok := raw["signature"]; ok {
			var text string
			if err := json.Unmarshal(sig, &text); err == nil {
				p.Digest = text
			} else {
				var compact bytes.Buffer
				if err := json.Compact(&compact, sig); err != nil {
					return fmt.Errorf("%w: signature: %v", ErrMalformedTree, err)
				}
				p.Digest = compact.String()
			}
		}
		for key, dst := range map[string]*string{
			"signature_public_key":     &p.PublicKey,
			"signature_wallet_address": &p.WalletAddress,
			"signature_type":           &p.Type,
		} {
			if err := readField(raw, key, dst); err != nil {
				return err
			}
		}
		out.Payload = p
	case KindWitness:
		var p WitnessPayload
		for key, dst := range map[string]*string{
			"witness_merkle_root":            &p.MerkleRoot,
			"witness_network":                &p.Network,
			"witness_smart_contract_address": &p.ContractAddress,
			"witness_transaction_hash":       &p.TransactionHash,
			"witness_sender_account_address": &p.SenderAddress,
		} {
			if err := readField(raw, key, dst); err != nil {
				return err
			}
		}
		ts, err := readTimestamp(raw["witness_timestamp"])
		if err != nil {
			return err
		}
		p.Timestamp = ts
		out.Payload = p
	case KindLink:
		var p LinkPayload
		if err := readField(raw, "link_type", &p.Type); err != nil {
			return err
		}
		if err := readField(raw, "link_require_indepth_verification", &p.RequireIndepthVerification); err != nil {
			return err
		}
		if err := readField(raw, "link_verification_hashes", &p.VerificationHashes); err != nil {
			return err
		}
		if err := readField(raw, "link_file_hashes", &p.FileHashes); err != nil {
			return err
		}
		out.Payload = p
	}

	out.Hash = r.Hash
	*r = out
	return nil
}

func readField(raw map[string]json.RawMessage, key string, dst any) error {
	value, ok := raw[key]
	if !ok || string(value) == "null" {
		return nil
	}
	if err := json.Unmarshal(value, dst); err != nil {
		return fmt.Errorf("%w: field %s: %v", ErrMalformedTree, key, err)
	}
	return nil
}

// readTimestamp accepts the witness timestamp as a number or a numeric string.
func readTimestamp(value json.RawMessage) (int64, error) {
	if len(value) == 0 || string(value) == "null" {
		return 0, nil
	}
	var n json.Number
	if err := json.Unmarshal(value, &n); err != nil {
		var text string
		if err := json.Unmarshal(value, &text); err != nil {
			return 0, fmt.Errorf("%w: witness_timestamp: %v", ErrMalformedTree, err)
		}
		n = json.Number(text)
	}
	ts, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: witness_timestamp: %v", ErrMalformedTree, err)
	}
	return ts, nil
}

func decodeForm(raw map[string]json.RawMessage) (FormPayload, error) {
	names := make([]string, 0, len(raw))
	for key := range raw {
		if strings.HasPrefix(key, formPrefix) {
			names = append(names, key)
		}
	}
	sort.Strings(names)

	p := FormPayload{Fields: make([]FormField, 0, len(names))}
	for _, key := range names {
		field, err := decodeFormValue(strings.TrimPrefix(key, formPrefix), raw[key])
		if err != nil {
			return FormPayload{}, err
		}
		p.Fields = append(p.Fields, field)
	}
	return p, nil
}

func decodeFormValue(name string, value json.RawMessage) (FormField, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return FormField{}, fmt.Errorf("%w: empty form field %s", ErrMalformedTree, name)
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return FormField{}, fmt.Errorf("%w: form field %s: %v", ErrMalformedTree, name, err)
		}
		return FormField{Name: name, Value: text, Type: "string"}, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return FormField{}, fmt.Errorf("%w: form field %s: %v", ErrMalformedTree, name, err)
		}
		return FormField{Name: name, Value: strconv.FormatBool(b), Type: "boolean"}, nil
	case '{', '[', 'n':
		var compact bytes.Buffer
		if err := json.Compact(&compact, trimmed); err != nil {
			return FormField{}, fmt.Errorf("%w: form field %s: %v", ErrMalformedTree, name, err)
		}
		return FormField{Name: name, Value: compact.String(), Type: "object"}, nil
	default:
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return FormField{}, fmt.Errorf("%w: form field %s: %v", ErrMalformedTree, name, err)
		}
		return FormField{Name: name, Value: n.String(), Type: "number"}, nil
	}
}

func encodeFormValue(f FormField) (any, error) {
	switch f.Type {
	case "number":
		return json.Number(f.Value), nil
	case "boolean":
		return strconv.ParseBool(f.Value)
	case "object":
		if !json.Valid([]byte(f.Value)) {
			return nil, fmt.Errorf("invalid object value")
		}
		return json.RawMessage(f.Value), nil
	default:
		return f.Value, nil
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
