package common

import "strconv"

// DecodedEvent is a fully parsed log with ABI-typed fields and transaction
// context. (Network, TxHash, LogIndex) is unique across the entire system and
// is the dedup key at every sink.
type DecodedEvent struct {
	PipelineID      string
	Network         string
	ContractName    string
	ContractAddress string
	EventName       string
	SignatureHash   string
	BlockNumber     uint64
	BlockHash       string
	TxHash          string
	TxIndex         uint64
	LogIndex        uint64
	IndexedTopics   []string
	// Decoded inputs keyed by ABI input name. Values are JSON-safe: big
	// integers and byte slices are carried as strings.
	Inputs map[string]interface{}
}

// TransactionInformation is the transaction context nested inside the stream
// message envelope.
type TransactionInformation struct {
	Network          string `json:"network"`
	Address          string `json:"address"`
	BlockHash        string `json:"block_hash"`
	BlockNumber      uint64 `json:"block_number"`
	TransactionHash  string `json:"transaction_hash"`
	LogIndex         uint64 `json:"log_index"`
	TransactionIndex uint64 `json:"transaction_index"`
}

// EventMessage is the canonical JSON body published to every stream sink.
type EventMessage struct {
	EventName          string                 `json:"event_name"`
	EventSignatureHash string                 `json:"event_signature_hash"`
	EventData          map[string]interface{} `json:"event_data"`
	Network            string                 `json:"network"`
}

// Message builds the stream envelope for a decoded event.
func (e *DecodedEvent) Message() EventMessage {
	data := make(map[string]interface{}, len(e.Inputs)+1)
	for k, v := range e.Inputs {
		data[k] = v
	}
	data["transaction_information"] = TransactionInformation{
		Network:          e.Network,
		Address:          e.ContractAddress,
		BlockHash:        e.BlockHash,
		BlockNumber:      e.BlockNumber,
		TransactionHash:  e.TxHash,
		LogIndex:         e.LogIndex,
		TransactionIndex: e.TxIndex,
	}
	return EventMessage{
		EventName:          e.EventName,
		EventSignatureHash: e.SignatureHash,
		EventData:          data,
		Network:            e.Network,
	}
}

// DedupKey identifies an event occurrence across replays.
func (e *DecodedEvent) DedupKey() string {
	return e.Network + ":" + e.TxHash + ":" + strconv.FormatUint(e.LogIndex, 10)
}
