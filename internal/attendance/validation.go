package attendance

import (
	"fmt"
	"strings"
	"time"

	"github.com/routebook/routebook/internal/platform/httpx"
	"github.com/routebook/routebook/internal/shared"
)

// submissionRules toggles the checks that differ between submit and amend.
type submissionRules struct {
	allowPast bool
}

// validateSubmission runs every structural precondition and collects each
// violation. The normalised business date is returned when it parsed.
func validateSubmission(in SubmitInput, now time.Time, rules submissionRules) (string, *httpx.ValidationError) {
	verr := httpx.NewValidationError()

	date := ""
	if strings.TrimSpace(in.Date) == "" {
		verr.Add("date", "is required")
	} else if normalised, err := shared.ParseBusinessDate(in.Date); err != nil {
		verr.Add("date", err.Error())
	} else {
		date = normalised
		if !rules.allowPast && shared.IsPastBusinessDate(date, now) {
			verr.Add("date", fmt.Sprintf("must not be before today's business date %s", shared.BusinessToday(now)))
		}
	}
	if strings.TrimSpace(in.AreaID) == "" {
		verr.Add("area_id", "is required")
	}
	if len(in.Attendance) == 0 {
		verr.Add("attendance", "must contain at least one customer")
	}

	seenCustomers := make(map[string]int, len(in.Attendance))
	for i, ca := range in.Attendance {
		prefix := fmt.Sprintf("attendance[%d]", i)
		if strings.TrimSpace(ca.CustomerID) == "" {
			verr.Add(prefix+".customer_id", "is required")
		} else if first, dup := seenCustomers[ca.CustomerID]; dup {
			verr.Add(prefix+".customer_id", fmt.Sprintf("duplicates attendance[%d]", first))
		} else {
			seenCustomers[ca.CustomerID] = i
		}
		if len(ca.Products) == 0 {
			verr.Add(prefix+".products", "must contain at least one product")
		}
		seenProducts := make(map[string]int, len(ca.Products))
		for j, p := range ca.Products {
			field := fmt.Sprintf("%s.products[%d]", prefix, j)
			if strings.TrimSpace(p.ProductID) == "" {
				verr.Add(field+".product_id", "is required")
			} else if first, dup := seenProducts[p.ProductID]; dup {
				verr.Add(field+".product_id", fmt.Sprintf("duplicates products[%d]", first))
			} else {
				seenProducts[p.ProductID] = j
			}
			if p.Quantity < 0 {
				verr.Add(field+".quantity", "must be greater than or equal to 0")
			}
			if !p.Status.Valid() {
				verr.Add(field+".status", fmt.Sprintf("must be one of %s", statusList()))
			} else if p.Status == StatusDelivered && p.Quantity == 0 {
				verr.Add(field+".quantity", "must be greater than 0 when status is delivered")
			}
		}
	}
	return date, verr
}

func statusList() string {
	parts := make([]string, 0, 4)
	for _, s := range Statuses() {
		parts = append(parts, string(s))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// referencedIDs returns the distinct customer and product ids of a payload.
func referencedIDs(in []CustomerAttendance) (customers, products []string) {
	seenC := make(map[string]struct{})
	seenP := make(map[string]struct{})
	for _, ca := range in {
		if ca.CustomerID != "" {
			if _, ok := seenC[ca.CustomerID]; !ok {
				seenC[ca.CustomerID] = struct{}{}
				customers = append(customers, ca.CustomerID)
			}
		}
		for _, p := range ca.Products {
			if p.ProductID == "" {
				continue
			}
			if _, ok := seenP[p.ProductID]; !ok {
				seenP[p.ProductID] = struct{}{}
				products = append(products, p.ProductID)
			}
		}
	}
	return customers, products
}
