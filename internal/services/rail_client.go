package services

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/crosspay/backend/internal/config"
	"github.com/crosspay/backend/internal/models"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
)

// RailClient executes a signed transaction against an external rail. A nil
// return means the rail accepted the payment; failures carry a
// transient/permanent classification.
type RailClient interface {
	Execute(ctx context.Context, railID string, tx *models.Transaction) error
}

// HTTPRailClient talks to the rail providers over HTTP. The BANK rail
// receives an ISO 20022 pacs.008 credit-transfer message; the e-wallet and
// cross-border corridor rails receive JSON.
type HTTPRailClient struct {
	endpoints map[string]string
	client    *http.Client
	bic       string
}

func NewHTTPRailClient(cfg *config.RailConfig) *HTTPRailClient {
	return &HTTPRailClient{
		endpoints: cfg.Endpoints,
		client:    &http.Client{},
		bic:       "CROSSPAY",
	}
}

func (rc *HTTPRailClient) Execute(ctx context.Context, railID string, tx *models.Transaction) error {
	endpoint, ok := rc.endpoints[railID]
	if !ok {
		return &RailError{Transient: false, Reason: fmt.Sprintf("unknown rail %s", railID)}
	}

	var body *bytes.Buffer
	var contentType string
	var err error

	if railID == models.RailBank {
		body, err = rc.pacs008Body(tx)
		contentType = "application/xml"
	} else {
		body, err = rc.jsonBody(tx)
		contentType = "application/json"
	}
	if err != nil {
		return &RailError{Transient: false, Reason: fmt.Sprintf("payload encoding failed: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/execute", body)
	if err != nil {
		return &RailError{Transient: false, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Payload-Signature", tx.Signature)

	resp, err := rc.client.Do(req)
	if err != nil {
		// Timeouts and connection errors are expected to possibly
		// succeed on retry.
		return &RailError{Transient: true, Reason: classifyNetError(err)}
	}
	defer resp.Body.Close()

	return rc.classifyResponse(railID, resp)
}

func (rc *HTTPRailClient) classifyResponse(railID string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var railResp struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&railResp)

	reason := railResp.Reason
	if reason == "" {
		reason = fmt.Sprintf("rail returned status %d", resp.StatusCode)
	}
	log.Printf("[RAIL_CLIENT] Rail %s rejected execution: %d %s", railID, resp.StatusCode, reason)

	// 5xx and explicit UNAVAILABLE are temporary conditions; everything
	// else is a rail-reported rejection.
	transient := resp.StatusCode >= 500 || railResp.Status == "UNAVAILABLE"
	return &RailError{Transient: transient, Reason: reason}
}

func classifyNetError(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "rail call timed out"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "rail call timed out"
	}
	return err.Error()
}

func (rc *HTTPRailClient) jsonBody(tx *models.Transaction) (*bytes.Buffer, error) {
	data, err := json.Marshal(map[string]any{
		"transactionId": tx.ID,
		"sourceAccount": tx.SourceAccountID,
		"targetAccount": tx.TargetAccountID,
		"amount":        tx.TargetAmount,
		"currency":      tx.TargetCurrency,
		"narration":     tx.Narration,
		"signature":     tx.Signature,
	})
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(data), nil
}

// pacs008Body builds a pacs.008 FIToFICustomerCreditTransfer for the bank
// rail and serializes it to XML.
func (rc *HTTPRailClient) pacs008Body(tx *models.Transaction) (*bytes.Buffer, error) {
	doc := rc.buildPacs008(tx)
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal XML: %w", err)
	}
	return bytes.NewBufferString(xml.Header + string(xmlData)), nil
}

func (rc *HTTPRailClient) buildPacs008(tx *models.Transaction) *pacs_v08.FIToFICustomerCreditTransferV08 {
	creDtTm := time.Now()
	settlementDate := time.Now()
	amount := tx.TargetAmount.InexactFloat64()

	return &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(tx.ID),
			CreDtTm: common.ISODateTime(creDtTm),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(tx.TargetCurrency),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(tx.ID)}[0],
					EndToEndId: common.Max35Text(tx.ID),
					TxId:       &[]common.Max35Text{common.Max35Text(tx.ID)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(tx.TargetCurrency),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(rc.bic)}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(tx.SourceAccountID)}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(tx.TargetRail),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(tx.TargetAccountID)}[0],
				},
			},
		},
	}
}
