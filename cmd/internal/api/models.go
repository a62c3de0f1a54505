package api

import v1 "parley/contracts/realtime/v1"

type sendRequest struct {
	ReceiverID string `json:"receiver_id" validate:"required,max=128"`
	Text       string `json:"text" validate:"required"`
}

type undoRequest struct {
	ReceiverID string `json:"receiver_id" validate:"required,max=128"`
}

// archiveRequest names the peer directly, or both participants the way the
// history query does.
type archiveRequest struct {
	PeerID string `json:"peer_id" validate:"omitempty,max=128"`
	User1  string `json:"user1" validate:"omitempty,max=128"`
	User2  string `json:"user2" validate:"omitempty,max=128"`
}

type historyResponse struct {
	PeerID   string              `json:"peer_id"`
	Messages []v1.MessagePayload `json:"messages"`
}

type archiveResponse struct {
	PeerID   string `json:"peer_id"`
	Archived int64  `json:"archived"`
}

type presenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}
