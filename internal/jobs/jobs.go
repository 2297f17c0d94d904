package jobs

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chatstack/llm-gateway/internal/budget"
)

// Collector is a limiter that can drop stale window entries.
type Collector interface {
	GC() int
}

// Scheduler runs the gateway's periodic maintenance: limiter garbage
// collection, alert expiry and alert delivery retries.
type Scheduler struct {
	cron *cron.Cron
}

func NewScheduler(engine *budget.Engine, collector Collector) (*Scheduler, error) {
	c := cron.New()

	if collector != nil {
		if _, err := c.AddFunc("@every 5m", func() {
			if dropped := collector.GC(); dropped > 0 {
				log.Printf("jobs: limiter GC dropped %d stale entries", dropped)
			}
		}); err != nil {
			return nil, err
		}
	}

	if _, err := c.AddFunc("@every 10m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		expired, err := engine.ExpireAlerts(ctx)
		if err != nil {
			log.Printf("jobs: expiring alerts: %v", err)
			return
		}
		if expired > 0 {
			log.Printf("jobs: %d alerts expired with their budget period", expired)
		}
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc("@every 10m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		lifted, err := engine.ReinstateTenants(ctx)
		if err != nil {
			log.Printf("jobs: reinstating tenants: %v", err)
			return
		}
		if lifted > 0 {
			log.Printf("jobs: %d tenants reinstated after period rollover", lifted)
		}
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc("@every 15m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := engine.DispatchUnsent(ctx); err != nil {
			log.Printf("jobs: retrying alert delivery: %v", err)
		}
	}); err != nil {
		return nil, err
	}

	return &Scheduler{cron: c}, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
