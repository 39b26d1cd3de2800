package filter

import (
	"io/fs"
	"testing"
	"time"
)

type fakeInfo struct {
	name string
	size int64
	dir  bool
}

func (f fakeInfo) Name() string       { return f.name }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() fs.FileMode  { return 0o644 }
func (f fakeInfo) ModTime() time.Time { return time.Time{} }
func (f fakeInfo) IsDir() bool        { return f.dir }
func (f fakeInfo) Sys() any           { return nil }

func TestCompileFileFilter(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantNil bool
		wantErr bool
	}{
		{"empty", "", true, false},
		{"valid", "ext == '.tif' && size > 10", false, false},
		{"unknown variable", "owner == 'root'", false, true},
		{"syntax error", "ext ==", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := CompileFileFilter(tt.pattern)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CompileFileFilter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (f == nil) != tt.wantNil {
				t.Errorf("CompileFileFilter() nil = %v, want %v", f == nil, tt.wantNil)
			}
		})
	}
}

func TestFileFilterMatch(t *testing.T) {
	f, err := CompileFileFilter("ext == '.tif' && size > 10 && name =~ '^sst_'")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		info fakeInfo
		want bool
	}{
		{"match", fakeInfo{name: "sst_2024.TIF", size: 100}, true},
		{"too small", fakeInfo{name: "sst_2024.tif", size: 5}, false},
		{"wrong prefix", fakeInfo{name: "chl_2024.tif", size: 100}, false},
		{"wrong extension", fakeInfo{name: "sst_2024.png", size: 100}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Match("/data/"+tt.info.name, tt.info)
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNilFileFilterMatchesEverything(t *testing.T) {
	var f *FileFilter
	ok, err := f.Match("x", fakeInfo{name: "x"})
	if err != nil || !ok {
		t.Errorf("nil filter Match() = %v, %v", ok, err)
	}
}
