package model

import "time"

type (
	Direction string

	TransferStatus string

	TransferSnapshot struct {
		ID               string         `json:"id"`
		Direction        Direction      `json:"direction"`
		Peer             Peer           `json:"peer"`
		Name             string         `json:"name"`
		Mime             string         `json:"mime,omitempty"`
		Size             int64          `json:"size"`
		BytesTransferred int64          `json:"bytesTransferred"`
		Status           TransferStatus `json:"status"`
		Error            string         `json:"error,omitempty"`
		SavedLocation    string         `json:"savedLocation,omitempty"`
		CreatedAt        time.Time      `json:"createdAt"`
		FinishedAt       *time.Time     `json:"finishedAt,omitempty"`
	}

	// TransferResult carries the optional fields a terminal transition sets.
	TransferResult struct {
		Error         string
		SavedLocation string
	}
)

const (
	Outgoing Direction = "OUTGOING"
	Incoming Direction = "INCOMING"

	StatusWaiting      TransferStatus = "WAITING"
	StatusTransferring TransferStatus = "TRANSFERRING"
	StatusDone         TransferStatus = "DONE"
	StatusFailed       TransferStatus = "FAILED"
	StatusRejected     TransferStatus = "REJECTED"
	StatusCancelled    TransferStatus = "CANCELLED"
)

func (s TransferStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}
