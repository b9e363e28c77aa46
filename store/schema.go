package store

import (
	"fmt"
	"time"
)

// DynamoDB schema constants for single-table design
const (
	// Table attributes
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrGSI1PK     = "GSI1PK"
	AttrGSI1SK     = "GSI1SK"
	AttrGSI2PK     = "GSI2PK"
	AttrGSI2SK     = "GSI2SK"
	AttrEntityType = "entity_type"
	AttrStatus     = "status"

	// Lease attributes
	AttrLeaseOwner     = "lease_owner"
	AttrLeaseExpiresAt = "lease_expires_at"

	// Entity types
	EntityTypeRun   = "Run"
	EntityTypeStep  = "StepRecord"
	EntityTypeLease = "Lease"

	// Index names
	IndexWorkflowStatus = "GSI1" // WF#{workflowID}#STATUS#{status}, created
	IndexSchedule       = "GSI2" // STATUS#{status}, created | SLEEP#PENDING, wake
)

// Run keys: PK=RUN#{runID}, SK=META
func runPK(runID string) string {
	return fmt.Sprintf("RUN#%s", runID)
}

func runSK() string {
	return "META"
}

func runGSI1PK(workflowID, status string) string {
	return fmt.Sprintf("WF#%s#STATUS#%s", workflowID, status)
}

func runGSI2PK(status string) string {
	return fmt.Sprintf("STATUS#%s", status)
}

// StepRecord keys: PK=RUN#{runID}, SK=STEP#{name}
func stepSK(name string) string {
	return fmt.Sprintf("STEP#%s", name)
}

func stepPrefix() string {
	return "STEP#"
}

// Pending sleeps are indexed under a single partition sorted by wake time
func sleepGSI2PK() string {
	return "SLEEP#PENDING"
}

// Lease keys: PK=RUN#{runID}, SK=LEASE
func leaseSK() string {
	return "LEASE"
}

// sortableTime renders t as fixed-width epoch millis so lexical order is
// chronological order.
func sortableTime(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixMilli())
}
