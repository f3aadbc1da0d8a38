package observability

const (
	MUsecaseRequests         MetricKey = "usecase_requests_total"
	MUsecaseDuration         MetricKey = "usecase_duration_seconds"
	MHTTPRequests            MetricKey = "http_requests_total"
	MHTTPRequestDuration     MetricKey = "http_request_duration_seconds"
	MPurchases               MetricKey = "purchases_total"
	MEntitlementGrants       MetricKey = "entitlement_grants_total"
	MPurchaseNotifications   MetricKey = "purchase_notifications_total"
	MConfirmationResolutions MetricKey = "confirmation_resolutions_total"
)
