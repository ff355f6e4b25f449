// ABOUTME: Tests for scheduling persistence
// ABOUTME: Covers the clinical-role rule, declines, and request deletion cascade

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSchedulingFixtures(t *testing.T, s *Store, role string) (userID, providerID string) {
	t.Helper()
	ctx := context.Background()

	var user *ConversationUser
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		var err error
		user, err = tx.GetOrCreateUser(ctx, "clinic", "+263771234567")
		return err
	}))

	provider := &Provider{FullName: "Dr T. Ncube", Role: role, PhoneNumber: "+263772222222", CalendarID: "cal-ncube"}
	require.NoError(t, s.InsertProvider(ctx, provider))

	return user.ID, provider.ID
}

func TestAddOfferedTime_ClinicalRoles(t *testing.T) {
	for _, role := range []string{RoleDoctor, RoleNurse} {
		t.Run(role, func(t *testing.T) {
			s := setupTestStore(t)
			ctx := context.Background()
			userID, providerID := setupSchedulingFixtures(t, s, role)

			err := s.WithTx(ctx, func(tx *Tx) error {
				req, err := tx.CreateSchedulingRequest(ctx, userID, providerID, "checkup")
				if err != nil {
					return err
				}
				_, err = tx.AddOfferedTime(ctx, req.ID, time.Now().Add(24*time.Hour))
				return err
			})
			require.NoError(t, err)
		})
	}
}

func TestAddOfferedTime_RejectsAdmin(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	userID, providerID := setupSchedulingFixtures(t, s, RoleAdmin)

	err := s.WithTx(ctx, func(tx *Tx) error {
		req, err := tx.CreateSchedulingRequest(ctx, userID, providerID, "checkup")
		if err != nil {
			return err
		}
		_, err = tx.AddOfferedTime(ctx, req.ID, time.Now().Add(24*time.Hour))
		return err
	})
	assert.ErrorIs(t, err, ErrNonClinicalProvider)
}

func TestDeclineOfferedTime(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	userID, providerID := setupSchedulingFixtures(t, s, RoleDoctor)

	var offerID, reqID string
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		req, err := tx.CreateSchedulingRequest(ctx, userID, providerID, "checkup")
		if err != nil {
			return err
		}
		reqID = req.ID
		offer, err := tx.AddOfferedTime(ctx, req.ID, time.Now().Add(24*time.Hour))
		if err != nil {
			return err
		}
		offerID = offer.ID
		return nil
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.DeclineOfferedTime(ctx, offerID)
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		offers, err := tx.ListOfferedTimes(ctx, reqID)
		if err != nil {
			return err
		}
		require.Len(t, offers, 1)
		assert.True(t, offers[0].Declined)
		return nil
	}))
}

func TestDeleteSchedulingRequest_CascadesOffers(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	userID, providerID := setupSchedulingFixtures(t, s, RoleDoctor)

	var reqID, offerID string
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		req, err := tx.CreateSchedulingRequest(ctx, userID, providerID, "checkup")
		if err != nil {
			return err
		}
		reqID = req.ID
		offer, err := tx.AddOfferedTime(ctx, req.ID, time.Now().Add(24*time.Hour))
		if err != nil {
			return err
		}
		offerID = offer.ID
		return nil
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteSchedulingRequest(ctx, reqID)
	}))

	err := s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.GetOfferedTime(ctx, offerID)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertAppointment(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	userID, providerID := setupSchedulingFixtures(t, s, RoleDoctor)

	starts := time.Date(2026, 9, 3, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertAppointment(ctx, &Appointment{
			UserID:          userID,
			ProviderID:      providerID,
			Reason:          "checkup",
			StartsAt:        starts,
			CalendarEventID: "cal-ev-1",
		})
	}))

	appts, err := s.ListAppointments(ctx, userID)
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.Equal(t, starts, appts[0].StartsAt)
	assert.Equal(t, "cal-ev-1", appts[0].CalendarEventID)
}

func TestListClinicalProviders_ExcludesAdmin(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertProvider(ctx, &Provider{FullName: "Dr A", Role: RoleDoctor, PhoneNumber: "+1"}))
	require.NoError(t, s.InsertProvider(ctx, &Provider{FullName: "Nurse B", Role: RoleNurse, PhoneNumber: "+2"}))
	require.NoError(t, s.InsertProvider(ctx, &Provider{FullName: "Admin C", Role: RoleAdmin, PhoneNumber: "+3"}))

	providers, err := s.ListClinicalProviders(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 2)
	for _, p := range providers {
		assert.NotEqual(t, RoleAdmin, p.Role)
	}
}
