package revision

import (
	"sort"
	"strings"
)

// SystemScope owns the shared workflow templates every user links against.
const SystemScope = "0xfabacc150f2a0000000000000000000000000000"

const (
	WorkflowAquaSign = "aqua_sign"
	WorkflowLicence  = "aquafier_licence"
)

var systemTemplates = map[string]string{
	"access_agreement":     "0x6ff9a00f08f675cf17eb6ce8572a7fdcbd9d43ff6b043f2b233e7b70e2d9c15f",
	"aqua_sign":            "0xfd2085151958e5dbaa32322f1266a3cf86ff547c75379a4c3ebd2272d4abd89f",
	"cheque":               "0x9da9cfc4587b102da24aec2ec0dbf5f7d702284f8073b476f9e94043673cf481",
	"dba_claim":            "0x61e1f638ca1017bd7baa32816f93e19e156dc598229873b801cd4c4f496bd799",
	"identity_attestation": "0x0838e1ec49d66a0c39e068c8c8465ef59692a1d8565895e2a52c2c19c75ab673",
	"identity_claim":       "0xc70a426b08fad5afe66ffea6237ef66a8718f0f66ee2a35dcc29cee3a4dfd0ee",
	"user_signature":       "0x4c3358285abd6b2499d3187b6f977ddac73b85cfa2e9b16dc9140b47c46c27bb",
	"domain_claim":         "0x6ef241fa1d974bf0d0585781d437c9f2d95e328b7ff922bf24261090c6c7ed3a",
	"email_claim":          "0x4b9202932025142b4d9a75141239e46ebfed210d178434303d1c7e5f586959c3",
	"phone_number_claim":   "0xfa4c4ffde60cd293033b986034890800a63bd27ca2cde44d1fce5a073ae5e937",
	"user_profile":         "0x5e339aed4184f012f1ec5e9a084636fb437f535233e20277a63c13d3e4af96e8",
	"identity_card":        "0x5285900dcc1586d6f22bb2a16a15ef7fff78c9c8506d7745a947c50d2545a6d6",
	"ens_claim":            "0x421c9bf06117814badfba270092c8b1070eb2d0968a27dd267fd3c2bc0249193",
	"aqua_certificate":     "0xa8d724f58d432b98347f1fd52caf40402fc668bea8f7a5a7266922874b5ab522",
}

// Templates maps workflow template hashes to their names. Names registered
// without a hash are only matched by display name.
type Templates struct {
	byHash map[string]string
	names  map[string]struct{}
}

func NewTemplates() *Templates {
	return &Templates{byHash: map[string]string{}, names: map[string]struct{}{}}
}

// DefaultTemplates returns the registry of built-in system templates.
func DefaultTemplates() *Templates {
	t := NewTemplates()
	for name, hash := range systemTemplates {
		t.Register(name, hash)
	}
	t.Register(WorkflowLicence, "")
	return t
}

func (t *Templates) Register(name, hash string) {
	name = trimJSON(name)
	t.names[name] = struct{}{}
	if hash != "" {
		t.byHash[hash] = name
	}
}

func (t *Templates) Name(hash string) (string, bool) {
	name, ok := t.byHash[hash]
	return name, ok
}

func (t *Templates) IsSystemHash(hash string) bool {
	_, ok := t.byHash[hash]
	return ok
}

func (t *Templates) HasName(name string) bool {
	_, ok := t.names[trimJSON(name)]
	return ok
}

// Hashes returns the registered template hashes in sorted order.
func (t *Templates) Hashes() []string {
	out := make([]string, 0, len(t.byHash))
	for hash := range t.byHash {
		out = append(out, hash)
	}
	sort.Strings(out)
	return out
}

// Workflow is the result of classifying a tree.
type Workflow struct {
	IsWorkflow bool
	Name       string
}

// Classify reports whether tree instantiates a workflow template: its second
// revision must be a link whose first target is a registered template, either
// by hash or by the target's display name.
func (t *Templates) Classify(tree Tree) Workflow {
	ordered, err := Order(tree)
	if err != nil || len(ordered) < 2 {
		return Workflow{}
	}
	link, ok := ordered[1].Payload.(LinkPayload)
	if !ok || len(link.VerificationHashes) == 0 {
		return Workflow{}
	}
	target := link.VerificationHashes[0]
	if name, ok := t.byHash[target]; ok {
		return Workflow{IsWorkflow: true, Name: name}
	}
	if name := trimJSON(tree.FileIndex[target]); name != "" && t.HasName(name) {
		return Workflow{IsWorkflow: true, Name: name}
	}
	return Workflow{}
}

func trimJSON(name string) string {
	return strings.TrimSuffix(name, ".json")
}
