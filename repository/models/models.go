package models

import (
	"encoding/json"
	"time"
)

// Batch statuses, in forward lifecycle order.
const (
	StatusPlanted         = "PLANTED"
	StatusGrowing         = "GROWING"
	StatusReadyForHarvest = "READY_FOR_HARVEST"
	StatusHarvested       = "HARVESTED"
	StatusListed          = "LISTED"
	StatusSold            = "SOLD"
	StatusMerged          = "MERGED"
)

// Trace event types.
const (
	EventCreated        = "CREATED"
	EventStatusChanged  = "STATUS_CHANGED"
	EventSplit          = "SPLIT"
	EventMerged         = "MERGED"
	EventApproved       = "APPROVED"
	EventRejected       = "REJECTED"
	EventQualityUpdated = "QUALITY_UPDATED"
)

// Batch represents a quantity of a single crop tracked as one lifecycle unit.
// Batches are never deleted; SOLD and MERGED are logical end states kept for audit.
type Batch struct {
	ID            string   `gorm:"column:batch_id;primaryKey;type:varchar(50)" json:"batchId"`
	FarmerID      string   `gorm:"column:farmer_id;type:varchar(50);not null;index" json:"farmerId"`
	DistributorID *string  `gorm:"column:distributor_id;type:varchar(50)" json:"distributorId"`
	CropType      string   `gorm:"column:crop_type;type:varchar(100);not null" json:"cropType"`
	Quantity      float64  `gorm:"column:quantity;not null" json:"quantity"`
	QualityGrade  *string  `gorm:"column:quality_grade;type:varchar(1)" json:"qualityGrade"`
	Confidence    *float64 `gorm:"column:confidence" json:"confidence"`
	Status        string   `gorm:"column:status;type:varchar(20);not null;index" json:"status"`

	// Lineage pointers, stored as JSON arrays of batch ids.
	ParentIDs string `gorm:"column:parent_ids;type:text" json:"-"`
	ChildIDs  string `gorm:"column:child_ids;type:text" json:"-"`

	// TraceSeq is the last trace event sequence number issued for this batch.
	// Incremented only inside the transaction that appends the event.
	TraceSeq int64 `gorm:"column:trace_seq;default:0" json:"-"`

	QRCodeURL string    `gorm:"column:qr_code_url;type:varchar(255)" json:"qrCodeUrl"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// IsTerminal reports whether no further lifecycle transitions are permitted.
func (b *Batch) IsTerminal() bool {
	return b.Status == StatusSold || b.Status == StatusMerged
}

// ParentBatchIDs decodes the lineage parents. An empty column means an
// originally planted batch.
func (b *Batch) ParentBatchIDs() []string {
	return decodeIDList(b.ParentIDs)
}

// ChildBatchIDs decodes the batches produced by splitting or merging this batch.
func (b *Batch) ChildBatchIDs() []string {
	return decodeIDList(b.ChildIDs)
}

func (b *Batch) SetParentBatchIDs(ids []string) {
	b.ParentIDs = encodeIDList(ids)
}

func (b *Batch) AddChildBatchID(id string) {
	b.ChildIDs = encodeIDList(append(b.ChildBatchIDs(), id))
}

func (b *Batch) AddParentBatchIDs(ids []string) {
	b.SetParentBatchIDs(append(b.ParentBatchIDs(), ids...))
}

func decodeIDList(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}

func encodeIDList(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	buf, _ := json.Marshal(ids)
	return string(buf)
}

// TraceEvent is an immutable audit record of a change to a batch. Events are
// append-only and totally ordered by (batch_id, seq). AnchorTxHash is filled
// in once after the event is anchored on the consensus chain.
type TraceEvent struct {
	ID           string    `gorm:"column:event_id;primaryKey;type:varchar(50)" json:"eventId"`
	BatchID      string    `gorm:"column:batch_id;type:varchar(50);not null;index:idx_trace_batch_seq,unique" json:"batchId"`
	Seq          int64     `gorm:"column:seq;not null;index:idx_trace_batch_seq,unique" json:"seq"`
	EventType    string    `gorm:"column:event_type;type:varchar(20);not null" json:"eventType"`
	ActorID      string    `gorm:"column:actor_id;type:varchar(50);not null" json:"actorId"`
	ActorRole    string    `gorm:"column:actor_role;type:varchar(20)" json:"actorRole"`
	Payload      string    `gorm:"column:payload;type:text" json:"-"`
	AnchorTxHash *string   `gorm:"column:anchor_tx_hash;type:varchar(66)" json:"anchorTxHash"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime" json:"timestamp"`
}

// PayloadMap decodes the transition-specific payload details.
func (e *TraceEvent) PayloadMap() map[string]interface{} {
	if e.Payload == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(e.Payload), &m); err != nil {
		return nil
	}
	return m
}

// Crop represents a crop record attached to a batch.
type Crop struct {
	ID        string    `gorm:"column:crop_id;primaryKey;type:varchar(50)" json:"cropId"`
	BatchID   string    `gorm:"column:batch_id;type:varchar(50);not null;index" json:"batchId"`
	Name      string    `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Variety   string    `gorm:"column:variety;type:varchar(100)" json:"variety"`
	SoilType  string    `gorm:"column:soil_type;type:varchar(50)" json:"soilType"`
	PlantedAt time.Time `gorm:"column:planted_at" json:"plantedAt"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}
