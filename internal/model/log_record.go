package model

// LogRecord is a raw chain log as written by the feed and read by the decoder.
// Hex strings keep the JSONL form readable and stable across clients.
type LogRecord struct {
	ChainID     uint64   `json:"chain_id"`
	BlockNumber uint64   `json:"block_number"`
	BlockHash   string   `json:"block_hash"`
	TxHash      string   `json:"tx_hash"`
	TxIndex     uint64   `json:"tx_index"`
	LogIndex    uint64   `json:"log_index"`
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	Removed     bool     `json:"removed"`
}

func (lr LogRecord) Topic0() string {
	if len(lr.Topics) == 0 {
		return ""
	}
	return lr.Topics[0]
}

// Less orders logs by block, transaction and log index.
func (lr LogRecord) Less(other LogRecord) bool {
	if lr.BlockNumber != other.BlockNumber {
		return lr.BlockNumber < other.BlockNumber
	}
	if lr.TxIndex != other.TxIndex {
		return lr.TxIndex < other.TxIndex
	}
	return lr.LogIndex < other.LogIndex
}
