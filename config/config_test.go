package config

import "testing"

func TestApplyMountOptionDirectIO(t *testing.T) {
	c := Default()
	if err := c.ApplyMountOption("direct_io"); err != nil {
		t.Fatal(err)
	}
	if !c.DirectIO {
		t.Error("expected DirectIO to be set")
	}
}

func TestApplyMountOptionBlksize(t *testing.T) {
	c := Default()
	if err := c.ApplyMountOption("blksize=128"); err != nil {
		t.Fatal(err)
	}
	if want := uint64(128) << 10; c.BlockSize != want {
		t.Errorf("got %d want %d", c.BlockSize, want)
	}
}

func TestApplyMountOptionUnknown(t *testing.T) {
	c := Default()
	if err := c.ApplyMountOption("bogus"); err == nil {
		t.Fatal("expected an error for an unrecognized mount option")
	}
}

func TestParseMountOptionsCSV(t *testing.T) {
	c := Default()
	if err := c.ParseMountOptions("direct_io,blksize=64,allow_other"); err != nil {
		t.Fatal(err)
	}
	if !c.DirectIO || !c.AllowOther {
		t.Errorf("expected both direct_io and allow_other set, got %+v", c)
	}
	if want := uint64(64) << 10; c.BlockSize != want {
		t.Errorf("got %d want %d", c.BlockSize, want)
	}
}

func TestParseMountOptionsEmpty(t *testing.T) {
	c := Default()
	if err := c.ParseMountOptions(""); err != nil {
		t.Fatal(err)
	}
	if c.DirectIO || c.AllowOther || c.ReadOnly || c.BlockSize != DefaultBlockSize {
		t.Errorf("empty option string should leave config unchanged, got %+v", c)
	}
}
