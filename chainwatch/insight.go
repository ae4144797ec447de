package chainwatch

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
)

// InsightSource reads confirmations from an insight style REST API, the
// kind most public block explorers expose.  No local node needed.
type InsightSource struct {
	BaseURL string
	client  http.Client
}

func NewInsightSource(baseURL string) *InsightSource {
	return &InsightSource{
		BaseURL: baseURL,
		client:  http.Client{Timeout: time.Second * 15},
	}
}

type insightTx struct {
	Txid          string `json:"txid"`
	Confirmations uint32 `json:"confirmations"`
}

// GetConfirmations asks the explorer about the outpoint's transaction.  A
// tx the explorer has never heard of is unconfirmed, not an error.
func (is *InsightSource) GetConfirmations(op lnutil.OutPoint) (uint32, error) {
	url := fmt.Sprintf("%s/api/tx/%s", is.BaseURL, hex.EncodeToString(op.Txid[:]))
	resp, err := is.client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("explorer returned %s for %s", resp.Status, url)
	}

	var tx insightTx
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return 0, err
	}
	return tx.Confirmations, nil
}

// PushTx submits a raw transaction through the explorer.
func (is *InsightSource) PushTx(tx []byte, txid [32]byte) error {
	body, err := json.Marshal(map[string]string{
		"rawtx": hex.EncodeToString(tx),
	})
	if err != nil {
		return err
	}
	url := is.BaseURL + "/api/tx/send"
	resp, err := is.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("explorer refused tx %x: %s", txid[:8], resp.Status)
	}
	logging.Infof("pushed tx %x\n", txid[:8])
	return nil
}
