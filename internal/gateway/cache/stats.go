package cache

// Stats holds cache performance metrics.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Size      int     `json:"current_size"`
	MaxSize   int     `json:"max_size"`
	HitRate   float64 `json:"hit_rate"`
}

// Status describes how a value was obtained
type Status string

const (
	StatusHit    Status = "hit"
	StatusMiss   Status = "miss"
	StatusBypass Status = "bypass"
)
