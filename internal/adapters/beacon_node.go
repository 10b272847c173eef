package adapters

import (
	"context"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/attestantio/go-eth2-client/api"
	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	eth2http "github.com/attestantio/go-eth2-client/http"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
)

// beaconNode is the minimal consensus-node surface the adapter consumes,
// expressed in domain types. The production implementation wraps
// go-eth2-client; tests substitute a synthetic chain.
type beaconNode interface {
	Genesis(ctx context.Context) (int64, error)
	NodeVersion(ctx context.Context) (string, error)
	FinalizedHeader(ctx context.Context) (domain.BlockHeader, error)
	HeaderBySlot(ctx context.Context, slot domain.Slot) (domain.BlockHeader, error)
	HeaderByRoot(ctx context.Context, root domain.Root) (domain.BlockHeader, error)
	BlockBySlot(ctx context.Context, slot domain.Slot) (domain.BlockInfo, error)
	Committees(ctx context.Context, stateID string, epoch domain.Epoch) (domain.EpochCommittees, error)
	AttesterDuties(ctx context.Context, epoch domain.Epoch, indices []domain.ValidatorIndex) ([]domain.AttesterDuty, domain.Root, error)
	ProposerDuties(ctx context.Context, epoch domain.Epoch) ([]domain.ProposerDuty, domain.Root, error)
	SyncCommittee(ctx context.Context, stateID string) ([]domain.ValidatorIndex, error)
	Validators(ctx context.Context, stateID string) ([]domain.Validator, error)
}

// eth2Node implements beaconNode on top of go-eth2-client's HTTP service.
type eth2Node struct {
	svc *eth2http.Service
}

func newEth2Node(ctx context.Context, endpoint string) (*eth2Node, error) {
	// Silence go-eth2-client logs unless they are warnings+.
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	customHTTPClient := &nethttp.Client{
		Timeout: 2000 * time.Second, // global upper bound; per-request timeout below
	}

	client, err := eth2http.New(ctx,
		eth2http.WithAddress(endpoint),
		eth2http.WithHTTPClient(customHTTPClient),
		// Per-request timeout used by go-eth2-client.
		eth2http.WithTimeout(60*time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting consensus node %s", endpoint)
	}
	return &eth2Node{svc: client.(*eth2http.Service)}, nil
}

// classify maps go-eth2-client failures onto the domain error taxonomy: a 404
// is a meaningful NotFound (usually a missed slot), everything else is a
// retryable request failure.
func classify(err error) error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == nethttp.StatusNotFound {
		return errors.Wrap(domain.ErrNotFound, err.Error())
	}
	return errors.Wrap(domain.ErrRequest, err.Error())
}

func (n *eth2Node) Genesis(ctx context.Context) (int64, error) {
	resp, err := n.svc.Genesis(ctx, &api.GenesisOpts{})
	if err != nil {
		return 0, classify(err)
	}
	return resp.Data.GenesisTime.Unix(), nil
}

func (n *eth2Node) NodeVersion(ctx context.Context) (string, error) {
	resp, err := n.svc.NodeVersion(ctx, &api.NodeVersionOpts{})
	if err != nil {
		return "", classify(err)
	}
	return resp.Data, nil
}

func (n *eth2Node) FinalizedHeader(ctx context.Context) (domain.BlockHeader, error) {
	return n.header(ctx, "finalized")
}

func (n *eth2Node) HeaderBySlot(ctx context.Context, slot domain.Slot) (domain.BlockHeader, error) {
	return n.header(ctx, fmt.Sprintf("%d", slot))
}

func (n *eth2Node) HeaderByRoot(ctx context.Context, root domain.Root) (domain.BlockHeader, error) {
	return n.header(ctx, string(root))
}

func (n *eth2Node) header(ctx context.Context, blockID string) (domain.BlockHeader, error) {
	resp, err := n.svc.BeaconBlockHeader(ctx, &api.BeaconBlockHeaderOpts{Block: blockID})
	if err != nil {
		return domain.BlockHeader{}, classify(err)
	}
	return convertHeader(resp.Data), nil
}

func convertHeader(h *apiv1.BeaconBlockHeader) domain.BlockHeader {
	msg := h.Header.Message
	return domain.BlockHeader{
		Slot:       domain.Slot(msg.Slot),
		BlockRoot:  domain.Root(h.Root.String()),
		ParentRoot: domain.Root(msg.ParentRoot.String()),
		StateRoot:  domain.Root(msg.StateRoot.String()),
	}
}

// BlockBySlot fetches the full block and reduces it to the fields the duty
// passes need. Only Electra blocks are supported, matching the networks this
// service monitors.
func (n *eth2Node) BlockBySlot(ctx context.Context, slot domain.Slot) (domain.BlockInfo, error) {
	resp, err := n.svc.SignedBeaconBlock(ctx, &api.SignedBeaconBlockOpts{
		Block: fmt.Sprintf("%d", slot),
	})
	if err != nil {
		return domain.BlockInfo{}, classify(err)
	}
	if resp == nil || resp.Data == nil || resp.Data.Electra == nil {
		return domain.BlockInfo{}, errors.Wrapf(domain.ErrRequest, "unsupported block version at slot %d", slot)
	}

	root, err := resp.Data.Root()
	if err != nil {
		return domain.BlockInfo{}, errors.Wrapf(domain.ErrRequest, "block root at slot %d: %v", slot, err)
	}

	msg := resp.Data.Electra.Message
	info := domain.BlockInfo{
		Header: domain.BlockHeader{
			Slot:       domain.Slot(msg.Slot),
			BlockRoot:  domain.Root(root.String()),
			ParentRoot: domain.Root(msg.ParentRoot.String()),
			StateRoot:  domain.Root(msg.StateRoot.String()),
		},
		Proposer: domain.ValidatorIndex(msg.ProposerIndex),
	}
	for _, att := range msg.Body.Attestations {
		info.Attestations = append(info.Attestations, domain.BlockAttestation{
			DataSlot:        domain.Slot(att.Data.Slot),
			BeaconBlockRoot: domain.Root(att.Data.BeaconBlockRoot.String()),
			SourceRoot:      domain.Root(att.Data.Source.Root.String()),
			SourceEpoch:     domain.Epoch(att.Data.Source.Epoch),
			TargetRoot:      domain.Root(att.Data.Target.Root.String()),
			TargetEpoch:     domain.Epoch(att.Data.Target.Epoch),
			CommitteeBits:   att.CommitteeBits,
			AggregationBits: att.AggregationBits,
		})
	}
	if msg.Body.SyncAggregate != nil {
		info.SyncBits = msg.Body.SyncAggregate.SyncCommitteeBits
	}
	return info, nil
}

// Committees returns:
//
//	data-slot -> committee-index -> []validatorIndex
func (n *eth2Node) Committees(ctx context.Context, stateID string, epoch domain.Epoch) (domain.EpochCommittees, error) {
	e := phase0.Epoch(epoch)
	resp, err := n.svc.BeaconCommittees(ctx, &api.BeaconCommitteesOpts{
		State: stateID,
		Epoch: &e,
	})
	if err != nil {
		return nil, classify(err)
	}

	result := make(domain.EpochCommittees)
	for _, c := range resp.Data {
		slot := domain.Slot(c.Slot)
		index := domain.CommitteeIndex(c.Index)

		vals := make([]domain.ValidatorIndex, len(c.Validators))
		for i, v := range c.Validators {
			vals[i] = domain.ValidatorIndex(v)
		}

		slotMap, ok := result[slot]
		if !ok {
			slotMap = make(map[domain.CommitteeIndex][]domain.ValidatorIndex)
			result[slot] = slotMap
		}
		slotMap[index] = vals
	}
	return result, nil
}

func (n *eth2Node) AttesterDuties(ctx context.Context, epoch domain.Epoch, indices []domain.ValidatorIndex) ([]domain.AttesterDuty, domain.Root, error) {
	beaconIndices := make([]phase0.ValidatorIndex, 0, len(indices))
	for _, idx := range indices {
		beaconIndices = append(beaconIndices, phase0.ValidatorIndex(idx))
	}

	resp, err := n.svc.AttesterDuties(ctx, &api.AttesterDutiesOpts{
		Epoch:   phase0.Epoch(epoch),
		Indices: beaconIndices,
	})
	if err != nil {
		return nil, "", classify(err)
	}

	depRoot, err := dependentRoot(resp.Metadata)
	if err != nil {
		return nil, "", err
	}

	duties := make([]domain.AttesterDuty, 0, len(resp.Data))
	for _, d := range resp.Data {
		duties = append(duties, domain.AttesterDuty{
			ValidatorIndex:          domain.ValidatorIndex(d.ValidatorIndex),
			Slot:                    domain.Slot(d.Slot),
			CommitteeIndex:          domain.CommitteeIndex(d.CommitteeIndex),
			CommitteeLength:         d.CommitteeLength,
			CommitteesAtSlot:        d.CommitteesAtSlot,
			ValidatorCommitteeIndex: d.ValidatorCommitteeIndex,
		})
	}
	return duties, depRoot, nil
}

func (n *eth2Node) ProposerDuties(ctx context.Context, epoch domain.Epoch) ([]domain.ProposerDuty, domain.Root, error) {
	resp, err := n.svc.ProposerDuties(ctx, &api.ProposerDutiesOpts{
		Epoch: phase0.Epoch(epoch),
	})
	if err != nil {
		return nil, "", classify(err)
	}

	depRoot, err := dependentRoot(resp.Metadata)
	if err != nil {
		return nil, "", err
	}

	duties := make([]domain.ProposerDuty, 0, len(resp.Data))
	for _, d := range resp.Data {
		duties = append(duties, domain.ProposerDuty{
			ValidatorIndex: domain.ValidatorIndex(d.ValidatorIndex),
			Slot:           domain.Slot(d.Slot),
		})
	}
	return duties, depRoot, nil
}

// dependentRoot extracts the duty set's dependent root from the response
// metadata. A duty response without it cannot be validated and is rejected.
func dependentRoot(metadata map[string]any) (domain.Root, error) {
	raw, ok := metadata["dependent_root"]
	if !ok {
		return "", errors.Wrap(domain.ErrRequest, "duty response without dependent_root")
	}
	switch v := raw.(type) {
	case phase0.Root:
		return domain.Root(v.String()), nil
	case string:
		return domain.Root(v), nil
	default:
		return "", errors.Wrapf(domain.ErrRequest, "unexpected dependent_root type %T", raw)
	}
}

func (n *eth2Node) SyncCommittee(ctx context.Context, stateID string) ([]domain.ValidatorIndex, error) {
	resp, err := n.svc.SyncCommittee(ctx, &api.SyncCommitteeOpts{State: stateID})
	if err != nil {
		return nil, classify(err)
	}
	members := make([]domain.ValidatorIndex, 0, len(resp.Data.Validators))
	for _, v := range resp.Data.Validators {
		members = append(members, domain.ValidatorIndex(v))
	}
	return members, nil
}

// Validators fetches the full validator list at a state. go-eth2-client
// consumes the (large) response incrementally, so memory stays bounded.
func (n *eth2Node) Validators(ctx context.Context, stateID string) ([]domain.Validator, error) {
	resp, err := n.svc.Validators(ctx, &api.ValidatorsOpts{State: stateID})
	if err != nil {
		return nil, classify(err)
	}
	out := make([]domain.Validator, 0, len(resp.Data))
	for idx, v := range resp.Data {
		out = append(out, domain.Validator{
			Index:            domain.ValidatorIndex(idx),
			PubKey:           v.Validator.PublicKey.String(),
			Balance:          domain.Gwei(v.Balance),
			EffectiveBalance: domain.Gwei(v.Validator.EffectiveBalance),
			Slashed:          v.Validator.Slashed,
			Status:           v.Status.String(),
		})
	}
	return out, nil
}
