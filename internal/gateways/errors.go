package gateways

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrGatewayNotFound          = errors.New("gateways: gateway not found")
	ErrSelfPair                 = errors.New("gateways: a gateway cannot be paired with itself")
	ErrSiteMismatch             = errors.New("gateways: gateways belong to different sites")
	ErrAlreadyPaired            = errors.New("gateways: gateway is already paired")
	ErrNotPaired                = errors.New("gateways: gateway is not paired")
	ErrNotPartners              = errors.New("gateways: gateways are not partners")
	ErrInvalidMode              = errors.New("gateways: unsupported cluster mode")
	ErrForeignDevice            = errors.New("gateways: id does not belong to the gateway's site")
	ErrOwnershipConflict        = errors.New("gateways: id is owned by the partner")
	ErrPartnerUnavailable       = errors.New("gateways: partner is not online")
	ErrFailoverInProgress       = errors.New("gateways: failover already in progress")
	ErrFailoverNotFound         = errors.New("gateways: failover event not found")
	ErrUnknownProvisioningToken = errors.New("gateways: unknown provisioning token")
	ErrAlreadyActivated         = errors.New("gateways: gateway already activated")
	ErrUnauthorized             = errors.New("gateways: invalid gateway credentials")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errPartnerChanged    = errors.New("gateways: partner changed while locking")
)

// OwnershipConflictError lists the ids the partner already owns. It matches
// ErrOwnershipConflict under errors.Is.
type OwnershipConflictError struct {
	PartnerID string
	IDs       []string
}

func (e *OwnershipConflictError) Error() string {
	return fmt.Sprintf("%s: %s owns %s", ErrOwnershipConflict, e.PartnerID, strings.Join(e.IDs, ","))
}

func (e *OwnershipConflictError) Is(target error) bool {
	return target == ErrOwnershipConflict
}

// ForeignDeviceError lists ids missing from the site inventory. It matches
// ErrForeignDevice under errors.Is.
type ForeignDeviceError struct {
	SiteID string
	IDs    []string
}

func (e *ForeignDeviceError) Error() string {
	return fmt.Sprintf("%s: %s not in site %s", ErrForeignDevice, strings.Join(e.IDs, ","), e.SiteID)
}

func (e *ForeignDeviceError) Is(target error) bool {
	return target == ErrForeignDevice
}
