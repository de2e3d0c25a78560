package cachestatus

import "testing"

func TestString(t *testing.T) {
	tests := []struct {
		name  string
		build func(*CacheStatus)
		want  string
	}{
		{
			name:  "hit",
			build: func(cs *CacheStatus) { cs.Hit() },
			want:  "Glint-Fetch; hit",
		},
		{
			name: "miss stored",
			build: func(cs *CacheStatus) {
				cs.Forward(FwdMiss)
				cs.Stored()
			},
			want: "Glint-Fetch; fwd=miss; stored",
		},
		{
			name: "stale collapsed with detail",
			build: func(cs *CacheStatus) {
				cs.Forward(FwdStale)
				cs.Collapsed()
				cs.Detail("revalidated")
			},
			want: "Glint-Fetch; fwd=stale; collapsed; detail=revalidated",
		},
		{
			name:  "bypass",
			build: func(cs *CacheStatus) { cs.Forward(FwdBypass) },
			want:  "Glint-Fetch; fwd=bypass",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cs CacheStatus
			tt.build(&cs)
			if got := cs.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
