package tenant

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/store"
)

// LoadPackage ingests startup content from a directory: every `.json`
// file holding a resource or a bundle of resources, applied as
// update-as-create so file-assigned ids survive. A `package.json`
// designating a lib subdirectory restricts loading to it and skips
// example files, matching the FHIR npm package layout.
func (t *Tenant) LoadPackage(dir string) error {
	root, libLayout := packageRoot(dir)

	loaded := 0
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := strings.ToLower(d.Name())
		switch {
		case name == "package.json" || name == ".index.json":
			return nil
		case libLayout && strings.Contains(name, "example"):
			return nil
		case strings.HasSuffix(name, ".xml"):
			// XML payloads are recognized but not parsed; the tenant
			// serves JSON.
			t.log.Warn().Str("file", path).Msg("skipping xml content file")
			return nil
		case !strings.HasSuffix(name, ".json"):
			return nil
		}
		n, lerr := t.loadFile(path)
		if lerr != nil {
			t.log.Warn().Err(lerr).Str("file", path).Msg("content file not loaded")
			return nil
		}
		loaded += n
		return nil
	})
	if err != nil {
		return err
	}
	t.log.Info().Int("resources", loaded).Str("dir", root).Msg("startup content loaded")
	return nil
}

// packageRoot resolves the directory to walk. A parseable package.json
// with a lib designation narrows the walk to that subdirectory.
func packageRoot(dir string) (string, bool) {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return dir, false
	}
	var meta struct {
		Lib         string            `json:"lib"`
		Directories map[string]string `json:"directories"`
	}
	if json.Unmarshal(raw, &meta) != nil {
		return dir, false
	}
	lib := meta.Lib
	if lib == "" {
		lib = meta.Directories["lib"]
	}
	if lib == "" {
		return dir, false
	}
	return filepath.Join(dir, lib), true
}

// loadFile ingests one file: a single resource, or every entry of a
// bundle. Returns how many resources were stored.
func (t *Tenant) loadFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var res map[string]interface{}
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("parsing json: %w", err)
	}

	if fhir.ResourceType(res) == "Bundle" {
		loaded := 0
		for _, item := range fhir.GetSlice(res, "entry") {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			payload := fhir.GetMap(entry, "resource")
			if payload == nil {
				continue
			}
			if err := t.loadResource(payload); err != nil {
				t.log.Warn().Err(err).Str("file", path).Msg("bundle entry not loaded")
				continue
			}
			loaded++
		}
		return loaded, nil
	}

	if err := t.loadResource(res); err != nil {
		return 0, err
	}
	return 1, nil
}

// loadResource stores one payload, honoring a file-assigned id, and
// records it in the protected set when configured.
func (t *Tenant) loadResource(res map[string]interface{}) error {
	kind := fhir.ResourceType(res)
	st, ok := t.stores.Get(kind)
	if !ok {
		return fmt.Errorf("kind %q is not served", kind)
	}

	var result store.Result
	if fhir.ResourceID(res) == "" {
		result = st.Create(res, false)
	} else {
		result = st.Update(res, store.UpdateOptions{AllowCreate: true})
	}
	if !result.OK() {
		return fmt.Errorf("storing %s: %s", kind, outcomeText(result))
	}

	if t.cfg.ProtectLoadedContent {
		t.protected.Add(kind, result.Instance.ID)
	} else {
		t.sweeper.Track(kind, result.Instance.ID)
	}
	return nil
}

func outcomeText(res store.Result) string {
	if res.Outcome == nil {
		return "rejected"
	}
	return res.Outcome.Diagnostics()
}
