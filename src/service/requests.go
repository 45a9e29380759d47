package service

// JoinRequest is the body of POST /join
type JoinRequest struct {
	Channel string `json:"channel" binding:"required"`
	// Name is registered when the channel does not exist yet
	Name string `json:"name"`
}

// TransportRequest is the body of POST /transport
type TransportRequest struct {
	Name string `json:"name" binding:"required"`
}

// TransportResponse describes the transports of the node
type TransportResponse struct {
	Active    string   `json:"active"`
	Available []string `json:"available"`
	Connected bool     `json:"connected"`
}
