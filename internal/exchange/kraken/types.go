package kraken

// tickerResponse is the public Ticker payload. Only the last-trade field is
// consumed; c = [price, lot volume].
type tickerResponse struct {
	Error  []string              `json:"error"`
	Result map[string]tickerInfo `json:"result"`
}

type tickerInfo struct {
	Close []string `json:"c"`
}

// addOrderResponse is the private AddOrder payload
type addOrderResponse struct {
	Error  []string `json:"error"`
	Result struct {
		Descr struct {
			Order string `json:"order"`
		} `json:"descr"`
		TxID []string `json:"txid"`
	} `json:"result"`
}

// balanceResponse is the private Balance payload; amounts arrive as strings
type balanceResponse struct {
	Error  []string          `json:"error"`
	Result map[string]string `json:"result"`
}
