// Package message renders per-recipient notification text. Pure functions
// only: no I/O, no error channel. Callers validate numeric inputs first.
package message

import (
	"fmt"
	"strings"
)

// Render maps one recipient's payment facts to the notification body.
// A missing name degrades to a generic greeting instead of failing.
func Render(name, amount string, absences, holidaysWorked int) string {
	greeting := "Hi,"
	if strings.TrimSpace(name) != "" {
		greeting = fmt.Sprintf("Hi %s,", strings.TrimSpace(name))
	}
	return fmt.Sprintf(
		"%s your salary payment of %s has been processed. This month you had %s and worked on %s. React with :white_check_mark: to confirm receipt.",
		greeting,
		strings.TrimSpace(amount),
		countPhrase(absences, "absence", "no absences"),
		countPhrase(holidaysWorked, "holiday", "no holidays"),
	)
}

// countPhrase applies the 0/1/n pluralization rule: 0 uses the "none" form,
// 1 the singular, everything else the plural.
func countPhrase(n int, noun, none string) string {
	switch {
	case n == 0:
		return none
	case n == 1:
		return fmt.Sprintf("1 %s", noun)
	default:
		return fmt.Sprintf("%d %ss", n, noun)
	}
}
