package config

import (
	"path/filepath"
	"testing"
)

func TestParamsSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".params")

	p := &FSParams{
		Label:          "test-fs",
		Revision:       CurrentFSRev,
		SeqNo:          3,
		BlockSize:      10240 * 1024,
		NeedsFsck:      false,
		LastFsck:       1000,
		LastModified:   2000,
		BucketRevision: 1,
	}
	if err := p.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := LoadParams(path)
	if err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	if *got != *p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestParamsToMetadata(t *testing.T) {
	p := &FSParams{Label: "l", Revision: 1, SeqNo: 5, BlockSize: 4096, NeedsFsck: true}
	meta := p.ToMetadata()
	if meta["seq_no"] != "5" {
		t.Errorf("seq_no = %q, want 5", meta["seq_no"])
	}
	if meta["needs_fsck"] != "true" {
		t.Errorf("needs_fsck = %q, want true", meta["needs_fsck"])
	}
	if meta["label"] != "l" {
		t.Errorf("label = %q, want l", meta["label"])
	}
}

func TestLoadParamsMissingFile(t *testing.T) {
	if _, err := LoadParams(filepath.Join(t.TempDir(), "nope.params")); err == nil {
		t.Fatal("expected error loading missing params file")
	}
}
