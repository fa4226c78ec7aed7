package circle

// walletResponse is one wallet record as returned by the developer wallets
// endpoints.
type walletResponse struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	WalletSetID string `json:"walletSetId"`
	Address     string `json:"address"`
	Blockchain  string `json:"blockchain"`
	RefID       string `json:"refId"`
}

// tokenBalance is one entry of a wallet balance listing. Amount is a decimal
// string in whole tokens.
type tokenBalance struct {
	Token struct {
		ID       string `json:"id"`
		Symbol   string `json:"symbol"`
		Decimals int    `json:"decimals"`
	} `json:"token"`
	Amount string `json:"amount"`
}

// transactionResponse is the provider's record of a transfer.
type transactionResponse struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	TxHash       string `json:"txHash"`
	ErrorReason  string `json:"errorReason"`
	ErrorDetails string `json:"errorDetails"`
}

// apiError is the error envelope returned on non-2xx responses.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
