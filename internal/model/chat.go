package model

type (
	// ChatLine is one entry of a conversation log.
	ChatLine struct {
		ID        string `json:"id"`
		Text      string `json:"text"`
		Outgoing  bool   `json:"outgoing"`
		Timestamp int64  `json:"timestamp"`
		Delivered bool   `json:"delivered"`
		ReadAt    *int64 `json:"readAt,omitempty"`
	}

	FileOffer struct {
		TransferID string `json:"transferId"`
		Peer       Peer   `json:"peer"`
		Name       string `json:"name"`
		Mime       string `json:"mime,omitempty"`
		Size       int64  `json:"size"`
	}

	IncomingText struct {
		Peer Peer   `json:"peer"`
		ID   string `json:"id"`
		Text string `json:"text"`
	}
)
