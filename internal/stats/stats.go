package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const (
	FeedEvents           = "FeedEvents"
	DuplicateEvents      = "DuplicateEvents"
	ReconciledSends      = "ReconciledSends"
	SendFailures         = "SendFailures"
	MarkReadCalls        = "MarkReadCalls"
	SubscriptionRetries  = "SubscriptionRetries"
	SubscriptionFailures = "SubscriptionFailures"
	ActiveSubscriptions  = "ActiveSubscriptions"
	StaleResultsDropped  = "StaleResultsDropped"
)

// Metrics lists every counter the sync core updates.
var Metrics = []string{
	FeedEvents,
	DuplicateEvents,
	ReconciledSends,
	SendFailures,
	MarkReadCalls,
	SubscriptionRetries,
	SubscriptionFailures,
	ActiveSubscriptions,
	StaleResultsDropped,
}

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	stopOnce   sync.Once
	done       chan struct{}
}

type metricsUpdateReq struct {
	name  string
	value int
}

var (
	// expvar maps are process global and cannot be published twice
	publishOnce sync.Once
	statsMap    *expvar.Map
)

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a stats updater with every sync counter registered
// and serves them on GET /debug/vars when mux is not nil.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	publishOnce.Do(func() {
		statsMap = expvar.NewMap("jobsync-stats")
	})

	su := &StatsUpdater{
		vars:       statsMap,
		updateChan: make(chan *metricsUpdateReq, 512),
		done:       make(chan struct{}),
	}
	if mux != nil {
		mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	}
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
	for _, name := range Metrics {
		su.RegisterMetric(name)
	}
}

func (su *StatsUpdater) updateMetrics() {
	defer close(su.done)
	for req := range su.updateChan {
		metric, ok := su.vars.Get(req.name).(*expvar.Int)
		if !ok {
			// unknown metrics are registered on first use
			metric = expvar.NewInt(req.name)
			su.vars.Set(req.name, metric)
		}

		metric.Add(int64(req.value))
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: -1}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

// Value returns the current value of a counter.
func (su *StatsUpdater) Value(name string) int64 {
	if metric, ok := su.vars.Get(name).(*expvar.Int); ok {
		return metric.Value()
	}
	return 0
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

// Stop drains pending updates and stops the updater.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() {
		close(su.updateChan)
		<-su.done
	})
}

// Noop discards every update.
type Noop struct{}

func (Noop) Incr(string)           {}
func (Noop) Decr(string)           {}
func (Noop) RegisterMetric(string) {}
func (Noop) Run()                  {}
