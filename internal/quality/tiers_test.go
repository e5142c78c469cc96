package quality

import "testing"

func TestResolve(t *testing.T) {
	tests := []struct {
		name         string
		requested    Tier
		supported    []Tier
		want         Tier
		wantFellBack bool
	}{
		{"supported request", TierFHD, []Tier{TierSD, TierHD, TierFHD}, TierFHD, false},
		{"unsupported falls back to highest", TierUHD, []Tier{TierSD, TierHD}, TierHD, true},
		{"unset uses default", TierUnset, []Tier{TierSD, TierHD, TierFHD}, TierHD, false},
		{"lowest", TierLowest, []Tier{TierFHD, TierSD, TierHD}, TierSD, false},
		{"highest", TierHighest, []Tier{TierHD, TierSD}, TierHD, false},
		{"no device info", TierUHD, nil, TierUHD, false},
		{"no device info relative", TierHighest, nil, DefaultTier, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, fellBack := Resolve(tt.requested, tt.supported)
			if got != tt.want || fellBack != tt.wantFellBack {
				t.Fatalf("Resolve(%v, %v) = (%v, %v), want (%v, %v)",
					tt.requested, tt.supported, got, fellBack, tt.want, tt.wantFellBack)
			}
		})
	}
}

func TestSupportedFor(t *testing.T) {
	got := SupportedFor(1920, 1080)
	want := []Tier{TierSD, TierHD, TierFHD}
	if len(got) != len(want) {
		t.Fatalf("SupportedFor(1920,1080) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SupportedFor(1920,1080) = %v, want %v", got, want)
		}
	}

	if tiers := SupportedFor(640, 480); len(tiers) != 0 {
		t.Fatalf("expected no tiers for VGA sensor, got %v", tiers)
	}
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"HD", TierHD, false},
		{"1080p", TierFHD, false},
		{"4k", TierUHD, false},
		{"", TierUnset, false},
		{"highest", TierHighest, false},
		{"ultra", TierUnset, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTier(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTier(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ParseTier(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
