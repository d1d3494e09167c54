package loggen

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/splax/logprocessor/internal/domain"
)

type template struct {
	level   domain.Level
	service string
	message string
}

var templates = []template{
	{domain.LevelInfo, "api-gateway", "Request processed successfully"},
	{domain.LevelInfo, "auth-service", "User authenticated"},
	{domain.LevelWarning, "payment-service", "Payment retry attempt"},
	{domain.LevelError, "database", "Connection pool exhausted"},
	{domain.LevelInfo, "cache", "Cache hit"},
	{domain.LevelWarning, "api-gateway", "Rate limit approaching"},
	{domain.LevelError, "email-service", "SMTP connection failed"},
	{domain.LevelInfo, "notification", "Push notification sent"},
}

// Generator produces realistic synthetic log records. Safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// NewGenerator returns a generator seeded with seed.
func NewGenerator(seed uint64) *Generator {
	return &Generator{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), now: time.Now}
}

// Next returns a fresh record drawn from the template set.
func (g *Generator) Next() domain.LogRecord {
	g.mu.Lock()
	tpl := templates[g.rnd.IntN(len(templates))]
	trace := 1000 + g.rnd.IntN(9000)
	user := 1 + g.rnd.IntN(1000)
	g.mu.Unlock()

	return domain.LogRecord{
		Timestamp: g.now().UTC(),
		Level:     tpl.level,
		Service:   tpl.service,
		Message:   tpl.message,
		TraceID:   fmt.Sprintf("trace-%d", trace),
		UserID:    fmt.Sprintf("user-%d", user),
	}
}
