// Package bundle imports zipped aqua tree exports: an aqua.json manifest,
// one {name}.aqua.json tree per document and the document assets themselves.
package bundle

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"aquachain/api/internal/blob"
	"aquachain/api/internal/chain"
	"aquachain/api/internal/revision"
	"go.uber.org/zap"
)

const (
	ManifestName = "aqua.json"
	treeSuffix   = revision.AquaTreeSuffix
)

var ErrInvalidBundle = errors.New("invalid aqua bundle")

// Manifest is the aqua.json entry of a bundle. Genesis names the main
// document, either by file name or by its content hash; NameWithHash pairs
// every asset with its content hash.
type Manifest struct {
	Genesis      string      `json:"genesis"`
	NameWithHash []NamedHash `json:"name_with_hash"`
}

type NamedHash struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// Saver persists trees. *chain.Engine satisfies it.
type Saver interface {
	Save(ctx context.Context, req chain.SaveRequest) (chain.SaveResult, error)
	Templates() *revision.Templates
}

type Importer struct {
	saver  Saver
	logger *zap.Logger
}

func NewImporter(saver Saver, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{saver: saver, logger: logger.Named("bundle")}
}

type Result struct {
	Main     revision.ScopedKey
	Workflow revision.Workflow
	Saved    []chain.SaveResult
}

type entry struct {
	name   string
	tree   revision.Tree
	asset  *zip.File
	hash   string
	hashes map[string]bool
	links  []string
}

// Import reads the zip in r and saves every tree it carries into scope.
// Linked trees are saved before the trees linking them. When the main tree
// is a workflow the other trees are hidden as workflow internals.
func (i *Importer) Import(ctx context.Context, scope string, r io.ReaderAt, size int64) (Result, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	manifestFile, ok := files[ManifestName]
	if !ok {
		return Result{}, fmt.Errorf("%w: missing %s", ErrInvalidBundle, ManifestName)
	}
	var manifest Manifest
	if err := readJSON(manifestFile, &manifest); err != nil {
		return Result{}, err
	}

	entries, err := collect(files, manifest)
	if err != nil {
		return Result{}, err
	}
	main := mainEntry(entries, manifest.Genesis)
	if main == nil {
		return Result{}, fmt.Errorf("%w: main tree %s not found", ErrInvalidBundle, manifest.Genesis)
	}
	order, err := saveOrder(entries)
	if err != nil {
		return Result{}, err
	}

	res := Result{Workflow: i.saver.Templates().Classify(main.tree)}
	for _, e := range order {
		hidden := res.Workflow.IsWorkflow && e != main
		saved, err := i.save(ctx, scope, e, hidden)
		if err != nil {
			return Result{}, fmt.Errorf("import %s%s: %w", e.name, treeSuffix, err)
		}
		res.Saved = append(res.Saved, saved)
		if e == main {
			res.Main = saved.Tip
		}
	}

	i.logger.Info("imported bundle",
		zap.String("scope", scope),
		zap.Stringer("main", res.Main),
		zap.Int("trees", len(res.Saved)),
		zap.Bool("workflow", res.Workflow.IsWorkflow),
	)
	return res, nil
}

func (i *Importer) save(ctx context.Context, scope string, e *entry, hidden bool) (chain.SaveResult, error) {
	req := chain.SaveRequest{Scope: scope, Tree: e.tree, IsWorkflow: hidden}
	if e.asset != nil {
		body, err := e.asset.Open()
		if err != nil {
			return chain.SaveResult{}, fmt.Errorf("%w: open %s: %v", ErrInvalidBundle, e.asset.Name, err)
		}
		defer body.Close()
		req.Uploads = []blob.Upload{{
			ContentHash: e.hash,
			Name:        e.name,
			Body:        body,
			Size:        int64(e.asset.UncompressedSize64),
		}}
	}
	return i.saver.Save(ctx, req)
}

func mainEntry(entries map[string]*entry, genesis string) *entry {
	if e, ok := entries[genesis]; ok {
		return e
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if e := entries[name]; e.hash != "" && e.hash == genesis {
			return e
		}
	}
	return nil
}

// collect parses every tree of the bundle. Manifest entries must ship their
// tree; any other *.aqua.json is imported without an asset.
func collect(files map[string]*zip.File, manifest Manifest) (map[string]*entry, error) {
	entries := map[string]*entry{}
	for _, nh := range manifest.NameWithHash {
		f, ok := files[nh.Name+treeSuffix]
		if !ok {
			return nil, fmt.Errorf("%w: expected %s%s as listed in %s", ErrInvalidBundle, nh.Name, treeSuffix, ManifestName)
		}
		e, err := parseEntry(f, nh.Name)
		if err != nil {
			return nil, err
		}
		genesis, err := revision.Genesis(e.tree)
		if err != nil {
			return nil, fmt.Errorf("%s%s: %w", nh.Name, treeSuffix, err)
		}
		if nh.Hash != "" && genesis.ContentHash != nh.Hash {
			return nil, fmt.Errorf("%w: %s hashes to %s but its genesis references %s", ErrInvalidBundle, nh.Name, nh.Hash, genesis.ContentHash)
		}
		e.hash = genesis.ContentHash
		e.asset = files[nh.Name]
		entries[nh.Name] = e
	}

	for name, f := range files {
		if !strings.HasSuffix(name, treeSuffix) {
			continue
		}
		base := strings.TrimSuffix(name, treeSuffix)
		if _, ok := entries[base]; ok {
			continue
		}
		e, err := parseEntry(f, base)
		if err != nil {
			return nil, err
		}
		entries[base] = e
	}
	return entries, nil
}

func parseEntry(f *zip.File, name string) (*entry, error) {
	e := &entry{name: name, hashes: map[string]bool{}}
	if err := readJSON(f, &e.tree); err != nil {
		return nil, err
	}
	for hash, rev := range e.tree.Revisions {
		e.hashes[hash] = true
		if link, ok := rev.Payload.(revision.LinkPayload); ok {
			e.links = append(e.links, link.VerificationHashes...)
		}
	}
	return e, nil
}

// saveOrder sorts entries so every tree follows the bundle trees it links.
func saveOrder(entries map[string]*entry) ([]*entry, error) {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	owner := map[string]*entry{}
	for _, name := range names {
		for hash := range entries[name].hashes {
			owner[hash] = entries[name]
		}
	}

	const (
		visiting = 1
		done     = 2
	)
	state := map[*entry]int{}
	order := make([]*entry, 0, len(entries))
	var visit func(e *entry) error
	visit = func(e *entry) error {
		switch state[e] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: trees link each other through %s%s", ErrInvalidBundle, e.name, treeSuffix)
		}
		state[e] = visiting
		for _, hash := range e.links {
			if dep, ok := owner[hash]; ok && dep != e {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		state[e] = done
		order = append(order, e)
		return nil
	}
	for _, name := range names {
		if err := visit(entries[name]); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func readJSON(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrInvalidBundle, f.Name, err)
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrInvalidBundle, f.Name, err)
	}
	return nil
}
