// Package billing implements the subscription state reconciliation engine:
// mapping raw processor statuses to entitlements, resolving which local user
// an event belongs to, routing webhook events, and serving the synchronous
// subscription commands.
package billing

import "shoplist/internal/types"

// StatusMapping is the derived entitlement state for a raw processor status.
type StatusMapping struct {
	Display       types.DisplayStatus
	AccessGranted bool
	Plan          types.Plan

	// RetainPlan signals the caller to keep the stored plan rather than
	// apply Plan. Set for unrecognized processor statuses, where revoking
	// access is safe but reassigning the tier is not.
	RetainPlan bool
}

// MapStatus derives the user-facing entitlement state from the processor's
// raw subscription status and whether the subscription's price matches the
// premium tier. Pure function, no side effects.
//
// The incomplete+premium branch grants access before payment confirmation:
// the client has just created the subscription and is about to confirm
// payment, so the UI treats it as active until events say otherwise.
// Unknown statuses carry the raw value through as the display status and
// revoke access.
func MapStatus(raw types.SubscriptionStatus, premiumPrice bool) StatusMapping {
	switch raw {
	case types.SubStatusActive, types.SubStatusTrialing:
		return StatusMapping{
			Display:       types.DisplayActive,
			AccessGranted: true,
			Plan:          types.PlanPremium,
		}
	case types.SubStatusPastDue:
		// Grace period: payment retry is in flight, access stays on.
		return StatusMapping{
			Display:       types.DisplayPastDue,
			AccessGranted: true,
			Plan:          types.PlanPremium,
		}
	case types.SubStatusIncomplete:
		if premiumPrice {
			return StatusMapping{
				Display:       types.DisplayActive,
				AccessGranted: true,
				Plan:          types.PlanPremium,
			}
		}
		return StatusMapping{
			Display:       types.DisplayPending,
			AccessGranted: false,
			Plan:          types.PlanFree,
		}
	case types.SubStatusCanceled, types.SubStatusUnpaid, types.SubStatusIncompleteExpired:
		return StatusMapping{
			Display:       types.DisplayInactive,
			AccessGranted: false,
			Plan:          types.PlanFree,
		}
	default:
		return StatusMapping{
			Display:       types.DisplayStatus(raw),
			AccessGranted: false,
			RetainPlan:    true,
		}
	}
}
