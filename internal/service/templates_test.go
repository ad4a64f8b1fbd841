package service

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDiscoverTemplates(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"MNI152.nii.gz", "colin27.nii", "README.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "archive.nii"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	reg, err := DiscoverTemplates(dir, "MNI152", "Test Site")
	if err != nil {
		t.Fatalf("DiscoverTemplates: %v", err)
	}

	want := []string{"MNI152", "colin27"}
	if got := reg.TemplateIDs(); !reflect.DeepEqual(got, want) {
		t.Fatalf("TemplateIDs = %v, want %v", got, want)
	}

	path, ok := reg.Resolve("MNI152")
	if !ok {
		t.Fatal("MNI152 not registered")
	}
	if wantPath := filepath.Join(dir, "MNI152.nii.gz"); path != wantPath {
		t.Errorf("Resolve path = %s, want %s", path, wantPath)
	}

	if got := reg.DefaultTemplateID(); got != "MNI152" {
		t.Errorf("DefaultTemplateID = %s, want MNI152", got)
	}
	if got := reg.Title(); got != "Test Site" {
		t.Errorf("Title = %s, want Test Site", got)
	}
	if reg.Has("README") {
		t.Error("non-NIfTI files should not register")
	}
	if reg.Has("archive") {
		t.Error("directories should not register")
	}
}

func TestDiscoverTemplatesMissingDir(t *testing.T) {
	reg, err := DiscoverTemplates(filepath.Join(t.TempDir(), "nope"), "MNI152", "")
	if err != nil {
		t.Fatalf("DiscoverTemplates: %v", err)
	}
	if len(reg.TemplateIDs()) != 0 {
		t.Errorf("TemplateIDs = %v, want none", reg.TemplateIDs())
	}
	if got := reg.DefaultTemplateID(); got != "" {
		t.Errorf("DefaultTemplateID = %q, want empty", got)
	}
	if got := reg.Title(); got != "NeuroSprite" {
		t.Errorf("Title = %s, want NeuroSprite fallback", got)
	}
}

func TestDefaultTemplateFallsBack(t *testing.T) {
	reg := NewTemplateRegistry("MNI152", "")
	reg.Register("colin27", "/data/colin27.nii")

	if got := reg.DefaultTemplateID(); got != "colin27" {
		t.Errorf("DefaultTemplateID = %s, want colin27", got)
	}
}

func TestTemplatesList(t *testing.T) {
	reg := NewTemplateRegistry("a", "")
	reg.Register("a", "/data/a.nii")
	reg.Register("b", "/data/b.nii")
	reg.Register("a", "/data/a2.nii") // re-register keeps position

	infos := reg.Templates()
	want := []TemplateInfo{{ID: "a", Name: "a"}, {ID: "b", Name: "b"}}
	if !reflect.DeepEqual(infos, want) {
		t.Errorf("Templates = %+v, want %+v", infos, want)
	}

	path, _ := reg.Resolve("a")
	if path != "/data/a2.nii" {
		t.Errorf("re-register should update the path, got %s", path)
	}
}
