package planresolver

import (
	"github.com/coursekit/billing/pkg/tool"
	"github.com/coursekit/billing/pkg/types"
)

// staticFallback is the compiled last-resort table, used when neither the
// mapping table nor the configured catalog knows a price id. Keep it in
// sync with the prices provisioned in the processor dashboard.
var staticFallback = map[types.Environment]map[string]types.PlanID{
	types.EnvironmentProd: {
		"price_prod_weekly":     types.PlanWeekly,
		"price_prod_monthly":    types.PlanMonthly,
		"price_prod_yearly":     types.PlanYearly,
		"price_prod_mentorship": types.PlanMentorship,
	},
	types.EnvironmentDev: {
		"price_dev_weekly":     types.PlanWeekly,
		"price_dev_monthly":    types.PlanMonthly,
		"price_dev_yearly":     types.PlanYearly,
		"price_dev_mentorship": types.PlanMentorship,
	},
}

func newMappingID() string {
	return tool.GenerateUUIDV7()
}
