package projector

import (
	"fmt"
	"strings"

	"github.com/ha1tch/ledgersync/pkg/graph"
	"github.com/ha1tch/ledgersync/pkg/models"
)

// Mappers turns source records into graph upserts
type Mappers struct {
	Identity models.Identity
}

func userRef(vpa string) graph.NodeRef {
	return graph.NodeRef{Label: models.LabelUser, Key: models.KeyUser, Value: vpa}
}

// UserNode derives the graph projection of a user row
func (m Mappers) UserNode(rec models.UserRecord) (models.UserNode, error) {
	vpa, err := m.Identity.DeriveVPA(rec.PhoneNumber)
	if err != nil {
		return models.UserNode{}, err
	}
	return models.UserNode{
		VPA:       vpa,
		Phone:     m.Identity.NormalizePhone(rec.PhoneNumber),
		KYC:       models.KYCFlag(rec.KYCStatus),
		RiskScore: models.NormalizeRisk(rec.RiskScore),
		SourceID:  rec.UserID,
	}, nil
}

// UserOps upserts the user node
func (m Mappers) UserOps(rec models.UserRecord) ([]graph.Op, error) {
	node, err := m.UserNode(rec)
	if err != nil {
		return nil, err
	}
	return []graph.Op{
		graph.UpsertNode(userRef(node.VPA), graph.Props{
			"phone":     node.Phone,
			"kyc":       node.KYC,
			"riskScore": node.RiskScore,
			"sourceId":  node.SourceID,
		}),
	}, nil
}

// DeviceOps matches the owner and upserts the device, its IP and both edges
func (m Mappers) DeviceOps(rec models.DeviceRecord) ([]graph.Op, error) {
	vpa, err := m.Identity.DeriveVPA(rec.OwnerPhone)
	if err != nil {
		return nil, fmt.Errorf("device owner %s: %w", rec.UserID, err)
	}
	if strings.TrimSpace(rec.DeviceID) == "" {
		return nil, fmt.Errorf("empty device id")
	}

	owner := userRef(vpa)
	device := graph.NodeRef{Label: models.LabelDevice, Key: models.KeyDevice, Value: rec.DeviceID}

	ops := []graph.Op{
		graph.UpsertNode(owner, nil),
		graph.UpsertNode(device, nil),
	}
	if rec.LastLoginIP == "" {
		return append(ops, graph.UpsertEdge(models.RelUsedDevice, owner, device, nil,
			graph.Props{"lastSeen": rec.FirstSeenAt})), nil
	}

	ip := graph.NodeRef{Label: models.LabelIP, Key: models.KeyIP, Value: rec.LastLoginIP}
	return append(ops,
		graph.UpsertNode(ip, nil),
		graph.UpsertEdge(models.RelUsedDevice, owner, device, nil, graph.Props{"lastSeen": rec.FirstSeenAt}),
		graph.UpsertEdge(models.RelHasIP, owner, ip, nil, nil),
	), nil
}

// TransactionOps upserts both parties and the transfer edge keyed by txnId
func (m Mappers) TransactionOps(rec models.TransactionRecord) ([]graph.Op, error) {
	if rec.GlobalTxnID == "" {
		return nil, fmt.Errorf("empty transaction id")
	}
	payer := strings.TrimSpace(rec.PayerVPA)
	payee := strings.TrimSpace(rec.PayeeVPA)
	if payer == "" || payee == "" {
		return nil, fmt.Errorf("transaction %s is missing a party", rec.GlobalTxnID)
	}

	return []graph.Op{
		graph.UpsertNode(userRef(payer), nil),
		graph.UpsertNode(userRef(payee), nil),
		graph.UpsertEdge(models.RelMoneyTransfer, userRef(payer), userRef(payee),
			graph.Props{"txnId": rec.GlobalTxnID},
			graph.Props{
				"amount": rec.Amount,
				"ts":     rec.CreatedAt,
				"risk":   rec.RiskScore,
				"status": rec.Status,
			}),
	}, nil
}
