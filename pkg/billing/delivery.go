package billing

// Delivery is the result of handling one raw webhook delivery. HTTP
// framework adapters write Body as JSON with StatusCode.
type Delivery struct {
	StatusCode int
	Body       DeliveryResponse
}

// DeliveryResponse is the JSON body returned to the payment processor.
type DeliveryResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}
