package dex

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadFile reads a bytecode container from its JSON form on disk. The
// container's Location is set to the file path unless the document carries
// its own.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read container %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode container %s: %w", path, err)
	}
	if f.Location == "" {
		f.Location = path
	}
	if err := f.check(); err != nil {
		return nil, fmt.Errorf("invalid container %s: %w", path, err)
	}
	return &f, nil
}

// LoadFiles reads containers in search-path order.
func LoadFiles(paths []string) ([]*File, error) {
	files := make([]*File, 0, len(paths))
	for _, p := range paths {
		f, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// maxClassDefs bounds the class definitions of one container; ClassRef
// addresses them with a uint16 index.
const maxClassDefs = 1 << 16

// check validates the internal index references of a container.
func (f *File) check() error {
	if len(f.ClassDefs) > maxClassDefs {
		return fmt.Errorf("%d class defs exceed the container limit of %d", len(f.ClassDefs), maxClassDefs)
	}
	for i := range f.ClassDefs {
		def := &f.ClassDefs[i]
		if int(def.TypeIdx) >= len(f.TypeIDs) {
			return fmt.Errorf("class def %d: type index %d out of range", i, def.TypeIdx)
		}
		if def.SuperTypeIdx >= 0 && int(def.SuperTypeIdx) >= len(f.TypeIDs) {
			return fmt.Errorf("class def %d: super type index %d out of range", i, def.SuperTypeIdx)
		}
		for _, m := range def.Methods {
			if int(m.MethodIdx) >= len(f.MethodIDs) {
				return fmt.Errorf("class def %d: method index %d out of range", i, m.MethodIdx)
			}
		}
		for _, fi := range def.Fields {
			if int(fi) >= len(f.FieldIDs) {
				return fmt.Errorf("class def %d: field index %d out of range", i, fi)
			}
		}
	}
	return nil
}
