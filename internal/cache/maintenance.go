package cache

import "context"

// MaintenanceOp names one of the operations the maintenance engine can
// dispatch
type MaintenanceOp string

const (
	MaintenanceEvictLRU      MaintenanceOp = "evict_lru"
	MaintenanceCleanupOld    MaintenanceOp = "cleanup_old"
	MaintenanceValidate      MaintenanceOp = "validate_integrity"
	MaintenanceCompact       MaintenanceOp = "compact"
)

// MaintenanceRequest parameterizes a single performCacheManagement call.
type MaintenanceRequest struct {
	Op         MaintenanceOp
	MaxEntries int   // used by MaintenanceEvictLRU, defaults to the controller's configured cap
	MaxAgeMs   *int64 // used by MaintenanceCleanupOld
	OnProgress ProgressFunc
}

// MaintenanceResult carries whichever of the op-specific reports applies.
type MaintenanceResult struct {
	Op        MaintenanceOp
	Integrity *IntegrityReport
	Compact   *CompactReport
}

// PerformCacheManagement dispatches req to the matching maintenance
// routine; this is the single entry point background maintenance
// schedules against, rather than callers reaching for the individual
// methods directly.
func (c *Controller) PerformCacheManagement(ctx context.Context, req MaintenanceRequest) (*MaintenanceResult, error) {
	switch req.Op {
	case MaintenanceEvictLRU:
		maxEntries := req.MaxEntries
		if maxEntries <= 0 {
			maxEntries = c.opts.MaxEntries
		}
		if err := c.EvictLRUEntries(ctx, maxEntries); err != nil {
			return nil, err
		}
		return &MaintenanceResult{Op: req.Op}, nil

	case MaintenanceCleanupOld:
		if err := c.CleanupOldEntries(ctx, req.MaxAgeMs, req.OnProgress); err != nil {
			return nil, err
		}
		return &MaintenanceResult{Op: req.Op}, nil

	case MaintenanceValidate:
		report, err := c.ValidateCacheIntegrity(ctx, req.OnProgress)
		if err != nil {
			return nil, err
		}
		return &MaintenanceResult{Op: req.Op, Integrity: report}, nil

	case MaintenanceCompact:
		report, err := c.CompactCache(ctx, req.OnProgress)
		if err != nil {
			return nil, err
		}
		return &MaintenanceResult{Op: req.Op, Compact: report}, nil

	default:
		return nil, &InvalidNodeError{Reason: "unknown maintenance operation: " + string(req.Op)}
	}
}
