package core

import "testing"

func TestKeySet_Intersects(t *testing.T) {
	tests := []struct {
		name  string
		left  KeySet
		right KeySet
		want  bool
	}{
		{
			name:  "shared key",
			left:  NewKeySet("User:1", "Post:5"),
			right: NewKeySet("Post:5"),
			want:  true,
		},
		{
			name:  "disjoint",
			left:  NewKeySet("User:1", "Post:5"),
			right: NewKeySet("User:2", "Post:6"),
			want:  false,
		},
		{
			name:  "empty left",
			left:  NewKeySet(),
			right: NewKeySet("User:1"),
			want:  false,
		},
		{
			name:  "nil right",
			left:  NewKeySet("User:1"),
			right: nil,
			want:  false,
		},
		{
			name:  "larger right side",
			left:  NewKeySet("C"),
			right: NewKeySet("A", "B", "C", "D"),
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.left.Intersects(tt.right); got != tt.want {
				t.Errorf("Intersects() = %v, want %v", got, tt.want)
			}
			if got := tt.right.Intersects(tt.left); got != tt.want {
				t.Errorf("Intersects() reversed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeySet_CloneIsIndependent(t *testing.T) {
	original := NewKeySet("User:1")
	clone := original.Clone()
	clone.Add("User:2")

	if original.Contains("User:2") {
		t.Error("mutating the clone changed the original")
	}
	if clone.Len() != 2 {
		t.Errorf("clone.Len() = %d, want 2", clone.Len())
	}

	var empty KeySet
	if empty.Clone() != nil {
		t.Error("Clone() of nil set should stay nil")
	}
}

func TestKeySet_Sorted(t *testing.T) {
	set := NewKeySet("Post:5", "User:1", "Comment:9")
	set.Union(NewKeySet("Author:2"))

	got := set.Sorted()
	want := []CacheKey{"Author:2", "Comment:9", "Post:5", "User:1"}
	if len(got) != len(want) {
		t.Fatalf("Sorted() returned %d keys, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Sorted()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestParseCachePolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    CachePolicy
		wantErr bool
	}{
		{input: "cache-first", want: CacheFirst},
		{input: "cache-first-fallback-network", want: CacheFirst},
		{input: "", want: CacheFirst},
		{input: "network-only", want: NetworkOnly},
		{input: "cache-only", want: CacheOnly},
		{input: "sometimes", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCachePolicy(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("ParseCachePolicy() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCachePolicy() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseCachePolicy() = %v, want %v", got, tt.want)
			}
			if tt.input != "" && tt.input != "cache-first-fallback-network" && got.String() != tt.input {
				t.Errorf("String() = %s, want %s", got.String(), tt.input)
			}
		})
	}
}

func TestNewOriginToken_Unique(t *testing.T) {
	seen := make(map[OriginToken]bool)
	for i := 0; i < 1000; i++ {
		token := NewOriginToken()
		if token.IsZero() {
			t.Fatal("NewOriginToken() returned the zero token")
		}
		if seen[token] {
			t.Fatalf("NewOriginToken() repeated token %s", token)
		}
		seen[token] = true
	}
}
