package branch

import (
	"errors"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		branches []string
		want     string
		wantErr  bool
	}{
		{
			name:     "exact scan branch wins over variants",
			branches: []string{"evergreen/fortify-2025", "evergreen/fortify", "evergreen/main"},
			want:     "evergreen/fortify",
		},
		{
			name:     "case-insensitive fortify match",
			branches: []string{"evergreen/Fortify-fixes", "evergreen/main"},
			want:     "evergreen/Fortify-fixes",
		},
		{
			name:     "smallest variant chosen regardless of listing order",
			branches: []string{"evergreen/fortify-b", "evergreen/fortify-a"},
			want:     "evergreen/fortify-a",
		},
		{
			name:     "fortify outside evergreen namespace ignored",
			branches: []string{"feature/fortify-test", "evergreen/main"},
			want:     "evergreen/main",
		},
		{
			name:     "fallback when no fortify branch",
			branches: []string{"evergreen/main", "develop"},
			want:     "evergreen/main",
		},
		{
			name:     "no usable branch",
			branches: []string{"main", "develop"},
			wantErr:  true,
		},
		{
			name:     "empty list",
			branches: nil,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.branches)
			if tt.wantErr {
				if !errors.Is(err, ErrNotFound) {
					t.Fatalf("Resolve(%v) err = %v, want ErrNotFound", tt.branches, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%v): %v", tt.branches, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%v) = %q, want %q", tt.branches, got, tt.want)
			}
		})
	}
}

func TestResolve_OrderIndependent(t *testing.T) {
	a := []string{"evergreen/fortify-x", "evergreen/fortify-a", "evergreen/main"}
	b := []string{"evergreen/main", "evergreen/fortify-a", "evergreen/fortify-x"}

	ra, err := Resolve(a)
	if err != nil {
		t.Fatal(err)
	}
	rb, err := Resolve(b)
	if err != nil {
		t.Fatal(err)
	}
	if ra != rb {
		t.Errorf("resolution depends on input order: %q vs %q", ra, rb)
	}
}
