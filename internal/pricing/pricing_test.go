package pricing

import "testing"

func TestCostForDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration int
		want     int
	}{
		{"short video", 5 * 60, 1},
		{"just under 15 minutes", 15*60 - 1, 1},
		{"exactly 15 minutes", 15 * 60, 2},
		{"medium video", 45 * 60, 2},
		{"just under an hour", 60*60 - 1, 2},
		{"exactly one hour", 60 * 60, 3},
		{"long video", 3 * 60 * 60, 3},
		{"zero duration", 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CostForDuration(tt.duration); got != tt.want {
				t.Errorf("CostForDuration(%d) = %d, want %d", tt.duration, got, tt.want)
			}
		})
	}
}

func TestPackageByID(t *testing.T) {
	p, ok := PackageByID("popular")
	if !ok {
		t.Fatal("expected popular package to exist")
	}
	if p.Credits != 60 || p.PriceCents != 1000 {
		t.Errorf("unexpected popular package: %+v", p)
	}

	if _, ok := PackageByID("enterprise"); ok {
		t.Error("expected lookup miss for unknown package")
	}
}
