package store

// Source is one configured feed.
type Source struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	URL          string   `json:"url"`
	SourceType   string   `json:"source_type"`
	Tags         []string `json:"tags"`
	Enabled      bool     `json:"enabled"`
	MaxItems     int      `json:"max_items,omitempty"` // 0 = global per-source default
	LastPolledAt *int64   `json:"last_polled_at,omitempty"`
	LastStatus   string   `json:"last_status"`
	LastError    string   `json:"last_error,omitempty"`
	FailCount    int      `json:"fail_count"`
	CreatedAt    int64    `json:"created_at"`
	UpdatedAt    int64    `json:"updated_at"`
}

// Item is one persisted unit of intelligence.
type Item struct {
	ID            string   `json:"id"`
	SourceID      string   `json:"source_id"`
	Origin        string   `json:"origin"`
	Title         string   `json:"title"`
	Summary       string   `json:"summary,omitempty"`
	Author        string   `json:"author,omitempty"`
	ImageURL      string   `json:"image_url,omitempty"`
	URL           string   `json:"url"`
	CanonicalURL  string   `json:"canonical_url"`
	PublishedAt   *int64   `json:"published_at,omitempty"`
	CreatedAt     int64    `json:"created_at"`
	UpdatedAt     int64    `json:"updated_at"`
	Lat           *float64 `json:"lat,omitempty"`
	Lng           *float64 `json:"lng,omitempty"`
	CountryCode   string   `json:"country_code,omitempty"`
	PlaceName     string   `json:"place_name,omitempty"`
	GeoConfidence int      `json:"geo_confidence"`
	GeoMethod     string   `json:"geo_method,omitempty"` // "" until enriched
	Category      string   `json:"category"`
	Tags          []string `json:"tags"`
	Raw           string   `json:"-"`
}

// Item origins.
const (
	OriginFeed    = "feed"
	OriginArticle = "article"
)

// Located reports whether the item carries usable coordinates.
func (it *Item) Located() bool {
	return it.Lat != nil && it.Lng != nil && it.GeoConfidence > 0
}

// Location is the set of fields written by enrichment.
type Location struct {
	Lat         float64
	Lng         float64
	CountryCode string
	PlaceName   string
	Confidence  int
	Method      string
	Category    string // optional
}

// UpsertOutcome tells whether an upsert created or refreshed a row.
type UpsertOutcome int

const (
	Inserted UpsertOutcome = iota + 1
	Updated
)

// FetchLogEntry is one fetch attempt.
type FetchLogEntry struct {
	ID           string `json:"id"`
	SourceID     string `json:"source_id"`
	Status       string `json:"status"`
	StatusCode   int    `json:"status_code"`
	ItemCount    int    `json:"item_count"`
	ErrorMessage string `json:"error_message,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	FetchedAt    int64  `json:"fetched_at"`
}

// SourceCount is the number of stored items attributed to one source, with
// that source's own cap (0 when unset or the source is gone).
type SourceCount struct {
	SourceID string
	Count    int
	MaxItems int
}

// Counts aggregates the item table for the stats endpoint.
type Counts struct {
	Total      int            `json:"total"`
	Located    int            `json:"located"`
	Pending    int            `json:"pending"`
	NoLocation int            `json:"no_location"`
	ByMethod   map[string]int `json:"by_method"`
	BySource   map[string]int `json:"by_source"`
	ByCategory map[string]int `json:"by_category"`
}
