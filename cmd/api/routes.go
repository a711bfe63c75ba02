package main

import (
	"database/sql"
	"net/http"
	"sync"
	"time"

	"outreach-platform/internal/audit"
	"outreach-platform/internal/callevents"
	"outreach-platform/internal/calls"
	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/config"
	"outreach-platform/internal/notify"
	"outreach-platform/internal/organizations"
	"outreach-platform/internal/patients"
	"outreach-platform/internal/runs"
	"outreach-platform/internal/telephony"
	"outreach-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type deps struct {
	db  *sql.DB
	rdb *redis.Client

	orgs      organizations.Repository
	audit     *audit.Service
	patients  *patients.Resolver
	calls     *calls.Reconciler
	campaigns *campaigns.Loader
	runs      *runs.Aggregator
}

func newDeps(db *sql.DB, rdb *redis.Client) deps {
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	return deps{
		db:        db,
		rdb:       rdb,
		orgs:      organizations.NewPostgresRepo(db),
		audit:     auditSvc,
		patients:  patients.NewResolver(patients.NewPostgresRepo(db), auditSvc),
		calls:     calls.NewReconciler(calls.NewPostgresRepo(db)),
		campaigns: campaigns.NewLoader(campaigns.NewPostgresRepo(db)),
		runs:      runs.NewAggregator(runs.NewPostgresRepo(db)),
	}
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
// It returns the group tracking detached webhook work.
func registerRoutes(r *gin.Engine, cfg config.Config, d deps) *sync.WaitGroup {
	r.GET("/healthz", func(c *gin.Context) {
		ctx := c.Request.Context()
		status := http.StatusOK
		body := gin.H{"status": "ok", "postgres": "ok", "redis": "ok"}
		if err := utils.HealthCheck(ctx, d.db, 2*time.Second); err != nil {
			status, body["status"], body["postgres"] = http.StatusServiceUnavailable, "degraded", err.Error()
		}
		if err := d.rdb.Ping(ctx).Err(); err != nil {
			status, body["status"], body["redis"] = http.StatusServiceUnavailable, "degraded", err.Error()
		}
		c.JSON(status, body)
	})

	// Provider webhooks. Authentication is handled in front of this service.
	inflight := &sync.WaitGroup{}
	proc := callevents.New(callevents.Deps{
		Organizations:   d.orgs,
		Patients:        d.patients,
		Calls:           d.calls,
		Campaigns:       d.campaigns,
		Runs:            d.runs,
		Fanout:          notify.NewFanOut(notify.NewRedisPublisher(d.rdb), cfg.Notify.ChannelPrefix, cfg.Notify.PublishTimeout),
		Auditor:         d.audit,
		FallbackOrgName: cfg.Webhook.FallbackOrgName,
	})
	telephony.WebhookHandler{
		Processor:       proc,
		Timeout:         cfg.Webhook.Timeout,
		WorkTimeout:     cfg.Webhook.WorkTimeout,
		FallbackOrgName: cfg.Webhook.FallbackOrgName,
		Inflight:        inflight,
	}.Register(r)
	return inflight
}
