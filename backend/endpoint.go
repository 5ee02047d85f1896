// Package backend talks to the purchases API: it applies the ETag cache and
// the adaptive timeout policy to every request, fails over to a fallback host
// for endpoints that allow it, and posts queued events.
package backend

import (
	"fmt"
	"net/http"
	"net/url"
)

// Endpoint is the static description of one API operation.
type Endpoint struct {
	Name                 string
	Method               string
	PathTemplate         string
	SupportsVerification bool
	RequiresNonce        bool
	SupportsFallbackHost bool
}

// Path fills the template with args, escaping each one as a path segment.
func (e Endpoint) Path(args ...string) string {
	if len(args) == 0 {
		return e.PathTemplate
	}
	escaped := make([]any, len(args))
	for i, a := range args {
		escaped[i] = url.PathEscape(a)
	}
	return fmt.Sprintf(e.PathTemplate, escaped...)
}

var (
	GetCustomerInfo = Endpoint{
		Name:                 "get_customer",
		Method:               http.MethodGet,
		PathTemplate:         "/v1/subscribers/%s",
		SupportsVerification: true,
		RequiresNonce:        true,
	}
	GetOfferings = Endpoint{
		Name:                 "get_offerings",
		Method:               http.MethodGet,
		PathTemplate:         "/v1/subscribers/%s/offerings",
		SupportsVerification: true,
		SupportsFallbackHost: true,
	}
	GetProductEntitlementMapping = Endpoint{
		Name:                 "get_product_entitlement_mapping",
		Method:               http.MethodGet,
		PathTemplate:         "/v1/product_entitlement_mapping",
		SupportsVerification: true,
		SupportsFallbackHost: true,
	}
	PostReceipt = Endpoint{
		Name:                 "post_receipt",
		Method:               http.MethodPost,
		PathTemplate:         "/v1/receipts",
		SupportsVerification: true,
		RequiresNonce:        true,
	}
	PostDiagnostics = Endpoint{
		Name:         "post_diagnostics",
		Method:       http.MethodPost,
		PathTemplate: "/v1/diagnostics",
	}
	PostPaywallEvents = Endpoint{
		Name:         "post_paywall_events",
		Method:       http.MethodPost,
		PathTemplate: "/v1/events",
	}
	PostCustomerCenterEvents = Endpoint{
		Name:         "post_customer_center_events",
		Method:       http.MethodPost,
		PathTemplate: "/v1/customer_center/events",
	}
)
