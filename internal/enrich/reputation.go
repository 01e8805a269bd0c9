package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sentryd/sentryd/internal/netutil"
)

const (
	abuseIPDBURL      = "https://api.abuseipdb.com/api/v2/check"
	maxAgeInDays       = 90
	reputationTimeout  = 5 * time.Second
	minCallInterval    = 100 * time.Millisecond
	reputationCacheTTL = 24 * time.Hour
)

// abuseCategories maps AbuseIPDB's numeric category IDs to the human
// labels callers expect, mirroring the prototype's category table.
var abuseCategories = map[int]string{
	3:  "Fraud Orders",
	4:  "DDoS Attack",
	5:  "FTP Brute-Force",
	9:  "Web Spam",
	10: "Email Spam",
	11: "Blog Spam",
	14: "Port Scan",
	15: "Hacking",
	18: "Brute-Force",
	19: "Bad Web Bot",
	20: "Exploited Host",
	21: "Web App Attack",
	22: "SSH-Brute",
	23: "IoT Targeted",
}

// reportsConsidered bounds how many of the most recent reports are
// scanned for categories, matching the prototype's "last 5 reports" rule.
const reportsConsidered = 5

// Reputation is the outcome of a reputation lookup for one IP.
type Reputation struct {
	IP              string
	AbuseScore      int
	TotalReports    int
	IsKnownThreat   bool
	Categories      []string
	IsPrivate       bool
	LookupTimestamp time.Time
}

type abuseIPDBResponse struct {
	Data struct {
		IPAddress            string `json:"ipAddress"`
		AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		TotalReports         int    `json:"totalReports"`
		Reports              []struct {
			Categories []int `json:"categories"`
		} `json:"reports"`
	} `json:"data"`
}

// ReputationClient queries AbuseIPDB's check endpoint, rate limiting
// itself and caching results the way the threat-intelligence service it
// is grounded on does.
type ReputationClient struct {
	apiKey              string
	confidenceThreshold int
	httpClient          *http.Client
	cache               Cache

	mu       sync.Mutex
	lastCall time.Time
}

// NewReputationClient builds a client. cache may be a RedisCache or a
// MemCache; apiKey being empty disables outbound lookups entirely (every
// call returns a zero-score Reputation without hitting the network).
// confidenceThreshold is the abuse score at or above which a lookup is
// flagged IsKnownThreat; a value ≤0 falls back to AbuseIPDB's own default
// of 75.
func NewReputationClient(apiKey string, confidenceThreshold int, cache Cache) *ReputationClient {
	if confidenceThreshold <= 0 {
		confidenceThreshold = 75
	}
	return &ReputationClient{
		apiKey:              apiKey,
		confidenceThreshold: confidenceThreshold,
		httpClient:          &http.Client{Timeout: reputationTimeout},
		cache:               cache,
	}
}

// Check looks up ip's reputation, consulting the cache first and falling
// back to AbuseIPDB. Private and reserved addresses are short-circuited
// without a network call or a cache entry.
func (c *ReputationClient) Check(ctx context.Context, ip string) (*Reputation, error) {
	if netutil.IsPrivateIP(ip) {
		return &Reputation{IP: ip, IsPrivate: true, LookupTimestamp: time.Now()}, nil
	}

	if c.cache != nil {
		if cached, ok, err := c.cache.Get(ctx, "reputation:"+ip); err == nil && ok {
			rep, perr := decodeReputation(cached)
			if perr == nil {
				return rep, nil
			}
		}
	}

	if c.apiKey == "" {
		return &Reputation{IP: ip, LookupTimestamp: time.Now()}, nil
	}

	c.throttle()

	rep, err := c.fetch(ctx, ip)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if encoded, err := encodeReputation(rep); err == nil {
			_ = c.cache.Set(ctx, "reputation:"+ip, encoded, reputationCacheTTL)
		}
	}
	return rep, nil
}

// throttle enforces the minimum interval between outbound AbuseIPDB
// calls so a burst of lookups cannot exceed the API's rate limit.
func (c *ReputationClient) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wait := minCallInterval - time.Since(c.lastCall); wait > 0 {
		time.Sleep(wait)
	}
	c.lastCall = time.Now()
}

func (c *ReputationClient) fetch(ctx context.Context, ip string) (*Reputation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, abuseIPDBURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build reputation request for %s: %w", ip, err)
	}
	q := req.URL.Query()
	q.Set("ipAddress", ip)
	q.Set("maxAgeInDays", strconv.Itoa(maxAgeInDays))
	q.Set("verbose", "")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reputation lookup for %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reputation lookup for %s: unexpected status %d", ip, resp.StatusCode)
	}

	var body abuseIPDBResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode reputation response for %s: %w", ip, err)
	}

	reports := body.Data.Reports
	if len(reports) > reportsConsidered {
		reports = reports[:reportsConsidered]
	}

	catSet := make(map[string]struct{})
	for _, report := range reports {
		for _, id := range report.Categories {
			if name, ok := abuseCategories[id]; ok {
				catSet[name] = struct{}{}
			}
		}
	}
	categories := make([]string, 0, len(catSet))
	for name := range catSet {
		categories = append(categories, name)
	}

	return &Reputation{
		IP:              ip,
		AbuseScore:      body.Data.AbuseConfidenceScore,
		TotalReports:    body.Data.TotalReports,
		IsKnownThreat:   body.Data.AbuseConfidenceScore >= c.confidenceThreshold,
		Categories:      categories,
		LookupTimestamp: time.Now(),
	}, nil
}

// encodeReputation/decodeReputation serialize a Reputation to the plain
// string the Cache interface stores, in "score|reports|threat|cat,cat" form.
func encodeReputation(r *Reputation) (string, error) {
	threat := "0"
	if r.IsKnownThreat {
		threat = "1"
	}
	return fmt.Sprintf("%d|%d|%s|%s", r.AbuseScore, r.TotalReports, threat, strings.Join(r.Categories, ",")), nil
}

func decodeReputation(s string) (*Reputation, error) {
	parts := strings.SplitN(s, "|", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed cached reputation entry")
	}
	score, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, err
	}
	reports, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, err
	}
	var categories []string
	if parts[3] != "" {
		categories = strings.Split(parts[3], ",")
	}
	return &Reputation{
		AbuseScore:      score,
		TotalReports:    reports,
		IsKnownThreat:   parts[2] == "1",
		Categories:      categories,
		LookupTimestamp: time.Now(),
	}, nil
}
