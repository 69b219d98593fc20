// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

//go:build integration

package integration_test

import (
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/Mystikil/Thenexusv2/internal/auth"
	"github.com/Mystikil/Thenexusv2/internal/identity"
)

var _ = Describe("Portal flows", Ordered, func() {
	const (
		email    = "player@example.com"
		password = "hunter22secret"
	)

	var accountName string

	It("registers a website user with a legacy account", func() {
		user, account, err := env.resolver.Register(env.ctx, email, password, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(user.AccountID).NotTo(BeNil())
		Expect(account.Name).NotTo(BeEmpty())
		accountName = account.Name
	})

	It("rejects a duplicate registration", func() {
		_, _, err := env.resolver.Register(env.ctx, email, password, "")
		Expect(err).To(MatchError(identity.ErrEmailTaken))
	})

	It("logs in by email and by account name", func() {
		byEmail, err := env.gateway.Login(env.ctx, auth.LoginRequest{
			Identifier: email,
			Password:   password,
			ClientIP:   "198.51.100.1",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(byEmail.Token).NotTo(BeEmpty())

		byName, err := env.gateway.Login(env.ctx, auth.LoginRequest{
			Identifier: accountName,
			Password:   password,
			ClientIP:   "198.51.100.1",
		})
		Expect(err).NotTo(HaveOccurred())

		// The earlier session died when the second login regenerated.
		_, _, err = env.gateway.CurrentUser(env.ctx, byEmail.Token)
		Expect(err).To(MatchError(identity.ErrInvalidCredentials))

		user, _, err := env.gateway.CurrentUser(env.ctx, byName.Token)
		Expect(err).NotTo(HaveOccurred())
		Expect(user.Email).To(Equal(email))
	})

	It("rejects a wrong password", func() {
		_, err := env.gateway.Login(env.ctx, auth.LoginRequest{
			Identifier: email,
			Password:   "not-the-password",
			ClientIP:   "198.51.100.1",
		})
		Expect(err).To(MatchError(identity.ErrInvalidCredentials))
	})

	It("recovers the password with a recovery key and rotates it", func() {
		user, err := env.users.GetByEmail(env.ctx, email)
		Expect(err).NotTo(HaveOccurred())

		key, err := env.manager.SetKey(env.ctx, user, "198.51.100.1")
		Expect(err).NotTo(HaveOccurred())
		Expect(key).To(HaveLen(32))

		newKey, err := env.manager.RecoverPassword(env.ctx, email, key, "freshpassword1", "198.51.100.1")
		Expect(err).NotTo(HaveOccurred())
		Expect(newKey).NotTo(Equal(key))

		// The old key burned with the reset.
		_, err = env.manager.RecoverPassword(env.ctx, email, key, "anotherpassword1", "198.51.100.1")
		Expect(err).To(HaveOccurred())

		// Both the portal and the game accept the new password.
		result, err := env.gateway.Login(env.ctx, auth.LoginRequest{
			Identifier: email,
			Password:   "freshpassword1",
			ClientIP:   "198.51.100.1",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.User.Email).To(Equal(email))
	})

	It("merges every duplicate on the account into the target", func() {
		dupe, _, err := env.resolver.Register(env.ctx, "dupe@example.com", "anotherpass1", "dupeplayer")
		Expect(err).NotTo(HaveOccurred())

		target, err := env.users.GetByEmail(env.ctx, email)
		Expect(err).NotTo(HaveOccurred())
		Expect(target.AccountID).NotTo(BeNil())
		accountID := *target.AccountID

		// Point the duplicate at the target's account, the shape stale
		// imports leave behind.
		dupe.AccountID = &accountID
		Expect(env.users.Update(env.ctx, dupe)).To(Succeed())

		preview, err := env.engine.PreviewMerge(env.ctx, target.ID, accountID)
		Expect(err).NotTo(HaveOccurred())
		Expect(preview.LinkedUsers).To(HaveLen(1))
		Expect(preview.LinkedUsers[0].Email).To(Equal("dupe@example.com"))

		Expect(env.engine.Merge(env.ctx, target.ID, accountID, target, "198.51.100.1")).To(Succeed())

		merged, err := env.users.GetByID(env.ctx, dupe.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(merged.AccountID).To(BeNil())

		kept, err := env.users.GetByID(env.ctx, target.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(kept.AccountID).To(HaveValue(Equal(accountID)))
	})
})
