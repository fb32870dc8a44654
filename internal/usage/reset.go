package usage

import "context"

// resetMonthlySQL rolls the month's request count into the previous-months
// counter and zeroes the live counters in one statement.
const resetMonthlySQL = `UPDATE user_usage
SET requests_previous_3_months = requests_this_month,
    requests_this_month = 0,
    requests_this_week = 0,
    updated_at = CURRENT_TIMESTAMP
WHERE true`

// ResetMonthly applies the monthly usage reset to every row.
func ResetMonthly(ctx context.Context, ex Executor) error {
	return Wrap(KindSchema, "reset monthly usage", ex.Exec(ctx, resetMonthlySQL))
}
