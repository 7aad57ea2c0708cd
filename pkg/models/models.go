package models

import (
	"fmt"
	"strings"
	"time"
)

// Stream identifies an entity stream that owns its own cursor
type Stream string

const (
	StreamUsers        Stream = "users"
	StreamDevices      Stream = "devices"
	StreamTransactions Stream = "transactions"
)

// AllStreams lists the built-in streams in their default scheduling order
var AllStreams = []Stream{StreamUsers, StreamDevices, StreamTransactions}

func (s Stream) String() string {
	return string(s)
}

// CursorKey returns the persistence key for the stream's watermark
func (s Stream) CursorKey() string {
	return "sync:" + string(s)
}

// ParseStream resolves a stream by name
func ParseStream(name string) (Stream, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range AllStreams {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stream: %q", name)
}

// Record is a source row that carries its own watermark
type Record interface {
	Watermark() time.Time
	RecordKey() string
	// DecodeError is set when the source row could not be decoded; such
	// records are skipped, not projected
	DecodeError() error
}

// Transaction statuses that are projected into the graph
const (
	TxnStatusSuccess      = "SUCCESS"
	TxnStatusBlockedFraud = "BLOCKED_FRAUD"
)

// UserRecord is a row from the gateway users table
type UserRecord struct {
	UserID      string
	PhoneNumber string
	KYCStatus   string
	RiskScore   float64 // 0-100 as stored at the source, 0 when NULL
	CreatedAt   time.Time
	ScanErr     error
}

func (r UserRecord) Watermark() time.Time { return r.CreatedAt }
func (r UserRecord) RecordKey() string    { return r.UserID }
func (r UserRecord) DecodeError() error   { return r.ScanErr }

// DeviceRecord is a row from the gateway user_devices table, joined with
// the owning user's phone number so the owner's VPA can be derived
type DeviceRecord struct {
	UserID      string
	OwnerPhone  string
	DeviceID    string
	LastLoginIP string
	FirstSeenAt time.Time
	ScanErr     error
}

func (r DeviceRecord) Watermark() time.Time { return r.FirstSeenAt }
func (r DeviceRecord) RecordKey() string    { return r.DeviceID }
func (r DeviceRecord) DecodeError() error   { return r.ScanErr }

// TransactionRecord is a settled or blocked row from the switch transactions table
type TransactionRecord struct {
	GlobalTxnID string
	PayerVPA    string
	PayeeVPA    string
	Amount      float64
	RiskScore   float64 // model fraud score, 0.0-1.0
	Status      string
	CreatedAt   time.Time
	ScanErr     error
}

func (r TransactionRecord) Watermark() time.Time { return r.CreatedAt }
func (r TransactionRecord) RecordKey() string    { return r.GlobalTxnID }
func (r TransactionRecord) DecodeError() error   { return r.ScanErr }

// UserNode is the graph projection of a UserRecord
type UserNode struct {
	VPA       string
	Phone     string
	KYC       float64
	RiskScore float64
	SourceID  string
}

// Features returns the cached feature vector for the node
func (n UserNode) Features() FeatureVector {
	return FeatureVector{n.RiskScore, n.KYC}
}

// Graph labels, keys and relationship types
const (
	LabelUser   = "User"
	LabelDevice = "Device"
	LabelIP     = "IP"

	KeyUser   = "vpa"
	KeyDevice = "deviceId"
	KeyIP     = "address"

	RelUsedDevice    = "USED_DEVICE"
	RelHasIP         = "HAS_IP"
	RelMoneyTransfer = "MONEY_TRANSFER"
)
