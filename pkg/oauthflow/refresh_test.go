package oauthflow

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/authkeeper/pkg/autherr"
	"github.com/papercomputeco/authkeeper/pkg/credentials"
)

var _ = Describe("Engine refresh", func() {
	var (
		g         *fakeGoogle
		store     *credentials.Manager
		engine    *Engine
		ctx       context.Context
		profileID string
	)

	BeforeEach(func() {
		ctx = context.Background()
		g = newFakeGoogle()
		DeferCleanup(g.server.Close)
		store = credentials.NewManagerAt(filepath.Join(GinkgoT().TempDir(), "credentials.json"), nil)
		engine = newTestEngine(g, store, time.Minute)
		profileID = credentials.DefaultID(testProvider)
	})

	seed := func(expires time.Time) {
		Expect(store.Set(profileID, &credentials.OAuthProfile{
			Access:    "access-old",
			Refresh:   "refresh-old",
			Expires:   expires.UnixMilli(),
			ProjectID: "proj-1",
			Email:     "dev@example.com",
		})).To(Succeed())
	}

	It("fails with AUTH_REQUIRED when not connected", func() {
		_, err := engine.Resolve(ctx, testProvider, "")
		Expect(err).To(MatchError(autherr.ErrAuthRequired))
		Expect(g.refreshes.Load()).To(BeZero())
	})

	It("returns a fresh token without a network call", func() {
		seed(time.Now().Add(time.Hour))

		cred, err := engine.Resolve(ctx, testProvider, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(cred.Token).To(Equal("access-old"))
		Expect(cred.ProjectID).To(Equal("proj-1"))
		Expect(g.refreshes.Load()).To(BeZero())
	})

	It("refreshes inside the expiry buffer and keeps an unrotated refresh token", func() {
		seed(time.Now().Add(30 * time.Second))

		cred, err := engine.Resolve(ctx, testProvider, profileID)
		Expect(err).NotTo(HaveOccurred())
		Expect(cred.Token).To(Equal("access-refreshed"))
		Expect(cred.ExpiresAt).To(BeTemporally(">", time.Now()))

		stored, err := store.GetOAuth(profileID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Refresh).To(Equal("refresh-old"))
		Expect(stored.ProjectID).To(Equal("proj-1"))
		Expect(stored.Email).To(Equal("dev@example.com"))

		_, err = engine.Resolve(ctx, testProvider, profileID)
		Expect(err).NotTo(HaveOccurred())
		Expect(g.refreshes.Load()).To(BeEquivalentTo(1))
	})

	It("stores a rotated refresh token", func() {
		seed(time.Now().Add(-time.Minute))
		g.set(func(f *fakeGoogle) {
			f.refreshBody = map[string]any{
				"access_token":  "access-2",
				"refresh_token": "refresh-2",
				"expires_in":    3600,
			}
		})

		_, err := engine.Refresh(ctx, profileID)
		Expect(err).NotTo(HaveOccurred())

		stored, err := store.GetOAuth(profileID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Refresh).To(Equal("refresh-2"))
	})

	It("issues exactly one refresh for concurrent callers", func() {
		seed(time.Now().Add(-time.Minute))
		release := make(chan struct{})
		g.set(func(f *fakeGoogle) { f.refreshHold = release })

		const n = 8
		var wg sync.WaitGroup
		results := make([]*Credential, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				results[i], errs[i] = engine.Resolve(ctx, testProvider, "")
			}()
		}

		Eventually(g.refreshes.Load).Should(BeEquivalentTo(1))
		close(release)
		wg.Wait()

		Expect(g.refreshes.Load()).To(BeEquivalentTo(1))
		for i := 0; i < n; i++ {
			Expect(errs[i]).NotTo(HaveOccurred())
			Expect(results[i].Token).To(Equal("access-refreshed"))
			Expect(results[i].ExpiresAt).To(BeTemporally(">", time.Now()))
		}
	})

	It("fails with AUTH_EXPIRED on 400 and writes nothing", func() {
		seed(time.Now().Add(-time.Minute))
		before, err := os.ReadFile(store.Path())
		Expect(err).NotTo(HaveOccurred())

		g.set(func(f *fakeGoogle) {
			f.refreshStatus = http.StatusBadRequest
			f.refreshBody = map[string]any{"error": "invalid_grant", "access_token": "leaked"}
		})

		_, err = engine.Resolve(ctx, testProvider, "")
		Expect(err).To(MatchError(autherr.ErrAuthExpired))

		after, err := os.ReadFile(store.Path())
		Expect(err).NotTo(HaveOccurred())
		Expect(after).To(Equal(before))
	})

	DescribeTable("maps refresh failures",
		func(status int, target error) {
			seed(time.Now().Add(-time.Minute))
			g.set(func(f *fakeGoogle) {
				f.refreshStatus = status
				f.refreshBody = map[string]any{"error": "nope"}
			})

			_, err := engine.Refresh(ctx, profileID)
			Expect(err).To(MatchError(target))
		},
		Entry("401 is AUTH_EXPIRED", http.StatusUnauthorized, autherr.ErrAuthExpired),
		Entry("403 is NETWORK_RETRYABLE", http.StatusForbidden, autherr.ErrNetworkRetryable),
		Entry("503 is NETWORK_RETRYABLE", http.StatusServiceUnavailable, autherr.ErrNetworkRetryable),
	)

	It("fails with AUTH_EXPIRED when no refresh token is stored", func() {
		Expect(store.Set(profileID, &credentials.OAuthProfile{
			Access:  "access-old",
			Expires: time.Now().Add(-time.Minute).UnixMilli(),
		})).To(Succeed())

		_, err := engine.Refresh(ctx, profileID)
		Expect(err).To(MatchError(autherr.ErrAuthExpired))
	})

	It("deletes only after an in-flight refresh has written", func() {
		seed(time.Now().Add(-time.Minute))
		release := make(chan struct{})
		g.set(func(f *fakeGoogle) { f.refreshHold = release })

		refreshed := make(chan error, 1)
		go func() {
			_, err := engine.Refresh(ctx, profileID)
			refreshed <- err
		}()
		Eventually(g.refreshes.Load).Should(BeEquivalentTo(1))

		type result struct {
			removed bool
			err     error
		}
		deleted := make(chan result, 1)
		go func() {
			removed, err := engine.Delete(ctx, profileID)
			deleted <- result{removed, err}
		}()
		Consistently(deleted, 50*time.Millisecond).ShouldNot(Receive())

		close(release)
		Eventually(refreshed).Should(Receive(BeNil()))
		var res result
		Eventually(deleted).Should(Receive(&res))
		Expect(res.err).NotTo(HaveOccurred())
		Expect(res.removed).To(BeTrue())

		stored, err := store.Get(profileID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored).To(BeNil())
	})

	It("rejects profiles of other providers", func() {
		_, err := engine.Refresh(ctx, "github-copilot:main")
		Expect(err).To(MatchError(ErrUnknownProvider))
	})
})
