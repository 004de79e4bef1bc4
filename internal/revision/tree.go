package revision

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Tree is a scope-agnostic aqua tree: revisions keyed by their hash plus the
// display names of the content hashes they reference.
type Tree struct {
	Revisions map[string]Revision
	FileIndex map[string]string
}

func NewTree() Tree {
	return Tree{Revisions: map[string]Revision{}, FileIndex: map[string]string{}}
}

type wireTree struct {
	Revisions map[string]Revision `json:"revisions"`
	FileIndex map[string]string   `json:"file_index"`
}

func (t Tree) MarshalJSON() ([]byte, error) {
	w := wireTree{Revisions: t.Revisions, FileIndex: t.FileIndex}
	if w.Revisions == nil {
		w.Revisions = map[string]Revision{}
	}
	if w.FileIndex == nil {
		w.FileIndex = map[string]string{}
	}
	return json.Marshal(w)
}

func (t *Tree) UnmarshalJSON(data []byte) error {
	var w wireTree
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedTree, err)
	}
	out := NewTree()
	for hash, rev := range w.Revisions {
		rev.Hash = hash
		out.Revisions[hash] = rev
	}
	for hash, name := range w.FileIndex {
		out.FileIndex[hash] = name
	}
	*t = out
	return nil
}

// Order returns the revisions of t from genesis to tip. The tree must hold a
// single linear chain: exactly one genesis, every predecessor present in the
// tree, no two revisions sharing a predecessor and no unreachable revisions.
func Order(t Tree) ([]Revision, error) {
	if len(t.Revisions) == 0 {
		return nil, fmt.Errorf("%w: tree has no revisions", ErrMalformedTree)
	}

	genesis := ""
	next := make(map[string]string, len(t.Revisions))
	for _, hash := range sortedHashes(t) {
		rev := t.Revisions[hash]
		if rev.Hash != "" && rev.Hash != hash {
			return nil, fmt.Errorf("%w: revision %s stored under key %s", ErrMalformedTree, rev.Hash, hash)
		}
		if rev.IsGenesis() {
			if genesis != "" {
				return nil, fmt.Errorf("%w: multiple genesis revisions %s and %s", ErrMalformedTree, genesis, hash)
			}
			genesis = hash
			continue
		}
		if _, ok := t.Revisions[rev.Previous]; !ok {
			return nil, fmt.Errorf("%w: revision %s points at missing previous %s", ErrMalformedTree, hash, rev.Previous)
		}
		if other, ok := next[rev.Previous]; ok {
			return nil, fmt.Errorf("%w: revisions %s and %s fork from %s", ErrMalformedTree, other, hash, rev.Previous)
		}
		next[rev.Previous] = hash
	}
	if genesis == "" {
		return nil, fmt.Errorf("%w: no genesis revision", ErrMalformedTree)
	}

	ordered := make([]Revision, 0, len(t.Revisions))
	for hash := genesis; hash != ""; hash = next[hash] {
		rev := t.Revisions[hash]
		rev.Hash = hash
		ordered = append(ordered, rev)
	}
	if len(ordered) != len(t.Revisions) {
		return nil, fmt.Errorf("%w: %d revisions unreachable from genesis %s", ErrMalformedTree, len(t.Revisions)-len(ordered), genesis)
	}
	return ordered, nil
}

// Tip returns the deepest revision of t.
func Tip(t Tree) (Revision, error) {
	ordered, err := Order(t)
	if err != nil {
		return Revision{}, err
	}
	return ordered[len(ordered)-1], nil
}

// Genesis returns the revision of t without a predecessor.
func Genesis(t Tree) (Revision, error) {
	ordered, err := Order(t)
	if err != nil {
		return Revision{}, err
	}
	return ordered[0], nil
}

// DisplayName returns the file_index name of the genesis revision. Entries
// keyed by the genesis content hash are accepted too; the genesis hash is the
// last resort.
func DisplayName(t Tree) string {
	g, err := Genesis(t)
	if err != nil {
		return ""
	}
	return nameOf(t, g)
}

func nameOf(t Tree, g Revision) string {
	if name := t.FileIndex[g.Hash]; name != "" {
		return name
	}
	if name := t.FileIndex[g.ContentHash]; name != "" {
		return name
	}
	return g.Hash
}

func sortedHashes(t Tree) []string {
	hashes := make([]string, 0, len(t.Revisions))
	for hash := range t.Revisions {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	return hashes
}

// FileObject is one file shipped next to a reconstructed tree. It references
// either a blob served at URL or an embedded linked tree.
type FileObject struct {
	Name string
	URL  string
	Tree *Tree
	Path string
	Size int64
}

const (
	filesRoute     = "/files/"
	AquaTreeSuffix = ".aqua.json"
)

// FileURL is the route a content blob is served from.
func FileURL(contentHash string) string {
	return filesRoute + contentHash
}

// ContentHashFromURL reverses FileURL.
func ContentHashFromURL(url string) (string, bool) {
	idx := strings.LastIndex(url, filesRoute)
	if idx < 0 {
		return "", false
	}
	hash := url[idx+len(filesRoute):]
	return hash, hash != ""
}

type wireFileObject struct {
	FileName    string          `json:"fileName"`
	FileContent json.RawMessage `json:"fileContent"`
	Path        string          `json:"path"`
	FileSize    int64           `json:"fileSize"`
}

func (f FileObject) MarshalJSON() ([]byte, error) {
	var content any = f.URL
	if f.Tree != nil {
		content = f.Tree
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireFileObject{FileName: f.Name, FileContent: encoded, Path: f.Path, FileSize: f.Size})
}

func (f *FileObject) UnmarshalJSON(data []byte) error {
	var w wireFileObject
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: file object: %v", ErrMalformedTree, err)
	}
	out := FileObject{Name: w.FileName, Path: w.Path, Size: w.FileSize}
	if len(w.FileContent) > 0 && w.FileContent[0] == '{' {
		var tree Tree
		if err := json.Unmarshal(w.FileContent, &tree); err != nil {
			return err
		}
		out.Tree = &tree
	} else if len(w.FileContent) > 0 && string(w.FileContent) != "null" {
		if err := json.Unmarshal(w.FileContent, &out.URL); err != nil {
			return fmt.Errorf("%w: fileContent: %v", ErrMalformedTree, err)
		}
	}
	*f = out
	return nil
}
