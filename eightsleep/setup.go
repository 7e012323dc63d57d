package eightsleep

import (
	"context"
	"fmt"
	"log"
)

// Feature flags reported by the account endpoint.
const (
	featureCooling   = "cooling"
	featureElevation = "elevation"
)

// Setup discovers the account's devices and side assignments and builds the
// state model. The returned Account persists for the process lifetime; the
// refresh engine updates it in place.
func Setup(ctx context.Context, client *Client) (*Account, error) {
	me, err := client.Me(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}
	if len(me.Devices) == 0 {
		return nil, fmt.Errorf("account %s has no devices", me.UserID)
	}

	account := NewAccount(me.UserID)
	account.SetFeatures(me.HasFeature(featureCooling), me.HasFeature(featureElevation))

	for _, deviceID := range me.Devices {
		bed := account.EnsureBed(deviceID)

		users, err := client.DeviceUsers(ctx, deviceID)
		if err != nil {
			return nil, fmt.Errorf("fetch device %s users: %w", deviceID, err)
		}
		if users.LeftUserID != "" {
			account.bindSide(bed, SideLeft, users.LeftUserID)
		}
		if users.RightUserID != "" {
			account.bindSide(bed, SideRight, users.RightUserID)
		}

		// Away users are dropped from the left/right assignment but still
		// belong to the account; resolve their side so their state keeps
		// refreshing while they are away.
		for _, userID := range users.AwayUserIDs {
			if _, ok := account.Side(userID); ok {
				continue
			}
			position, err := client.UserSide(ctx, userID)
			if err != nil {
				log.Printf("eightsleep: skipping away user %s: %v", userID, err)
				continue
			}
			if !ValidSidePosition(position) {
				log.Printf("eightsleep: away user %s has no side assignment", userID)
				continue
			}
			side := account.bindSide(bed, position, userID)
			side.bed.mu.Lock()
			side.away = true
			side.bed.mu.Unlock()
		}
	}

	return account, nil
}
