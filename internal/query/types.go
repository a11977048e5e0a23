package query

import "github.com/google/uuid"

// AccountResponse is the live view of one account: free collateral, open
// position and margin metrics at the latest oracle price. Amounts are
// decimal strings.
type AccountResponse struct {
	Account      uuid.UUID         `json:"account"`
	Collateral   string            `json:"collateral"`
	Position     *PositionResponse `json:"position,omitempty"`
	LocalIndex   string            `json:"local_funding_index"`
	LocalIndexTs int64             `json:"local_funding_index_ts"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// PositionResponse describes an open position.
type PositionResponse struct {
	Side            string `json:"side"` // "long" or "short"
	Quantity        string `json:"quantity"`
	Margin          string `json:"margin"`
	EntryNotional   string `json:"entry_notional"`
	AvgEntryPrice   string `json:"avg_entry_price"`
	Leverage        string `json:"leverage"`
	MarginRatio     string `json:"margin_ratio,omitempty"` // omitted before the first priced batch
	BankruptcyPrice string `json:"bankruptcy_price"`
}

// MarketResponse is the live view of the market as a whole.
type MarketResponse struct {
	Market             string `json:"market"`
	Sequence           int64  `json:"sequence"`
	StateHash          string `json:"state_hash"`
	OraclePrice        string `json:"oracle_price,omitempty"`
	FundingRate        string `json:"funding_rate"`
	FundingMode        string `json:"funding_mode"`
	FundingRunning     bool   `json:"funding_running"`
	GlobalFundingIndex string `json:"global_funding_index"`
	GlobalIndexTs      int64  `json:"global_funding_index_ts"`
	InsurancePool      string `json:"insurance_pool"`
	OpenAccounts       int    `json:"open_accounts"`
}

// LedgerEntryResponse is one ledger account balance from the live tracker.
type LedgerEntryResponse struct {
	AccountPath string `json:"account_path"`
	Balance     string `json:"balance"`
}

// JournalHistoryEntry is a persisted journal row for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// BatchHistoryEntry is a persisted batch row for API queries.
type BatchHistoryEntry struct {
	Sequence  int64  `json:"sequence"`
	BatchID   string `json:"batch_id"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	StateHash string `json:"state_hash"`
	PrevHash  string `json:"prev_hash"`
}

// IntegrityReport is the result of an integrity verification pass over the
// persisted hash chain and the live ledger.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	LedgerImbalance string  `json:"ledger_imbalance,omitempty"`
}
