package utils

import "testing"

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"pci", "0000:17:00.0", "0000-17-00-0"},
		{"pci_vf", "0000:17:00.2", "0000-17-00-2"},
		{"group_path", "/dev/vfio/12", "-dev-vfio-12"},
		{"noiommu", "noiommu-3", "noiommu-3"},
		{"mixed", "pci-0000:17:00.0", "pci-0000-17-00-0"},
		{"empty", "", ""},
		{"all_special", ":/.", "---"},
		{"underscore_passthrough", "a_b", "a_b"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := SanitizeName(tc.in)
			if got != tc.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseHexID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{"0x10ee\n", 0x10ee, false},
		{"10EE", 0x10ee, false},
		{"  0x0002 ", 0x0002, false},
		{"", 0, true},
		{"0x12345", 0, true},
		{"zz", 0, true},
	}

	for _, tc := range tests {
		got, err := ParseHexID(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseHexID(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseHexID(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseHexID(%q) = %#x, want %#x", tc.in, got, tc.want)
		}
	}
}
