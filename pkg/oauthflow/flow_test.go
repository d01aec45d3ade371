package oauthflow

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/adaptor/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/authkeeper/pkg/autherr"
	"github.com/papercomputeco/authkeeper/pkg/credentials"
)

const testProvider = "google-gemini-cli"

func newTestEngine(g *fakeGoogle, store *credentials.Manager, timeout time.Duration) *Engine {
	return New(Config{
		Store:       store,
		HTTPClient:  g.server.Client(),
		Providers:   []ProviderConfig{g.provider(testProvider), g.provider("google-antigravity")},
		FlowTimeout: timeout,
	})
}

// callback hits the flow's loopback listener the way a browser redirect would.
func callback(f *Flow, query url.Values) (int, string, error) {
	u := strings.Replace(f.RedirectURI, "localhost", "127.0.0.1", 1) + "?" + query.Encode()
	resp, err := http.Get(u)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), nil
}

// freePort returns a loopback port that was free a moment ago.
func freePort() int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	port := ln.Addr().(*net.TCPAddr).Port
	Expect(ln.Close()).To(Succeed())
	return port
}

func portFree(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}

func listenerClosed(f *Flow) func() error {
	return func() error {
		_, _, err := callback(f, url.Values{})
		return err
	}
}

var _ = Describe("Engine flows", func() {
	var (
		g      *fakeGoogle
		store  *credentials.Manager
		engine *Engine
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		g = newFakeGoogle()
		DeferCleanup(g.server.Close)
		store = credentials.NewManagerAt(filepath.Join(GinkgoT().TempDir(), "credentials.json"), nil)
		engine = newTestEngine(g, store, 5*time.Second)
		DeferCleanup(engine.Close)
	})

	storedProfile := func() credentials.Profile {
		p, err := store.Get(credentials.DefaultID(testProvider))
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	Describe("Start", func() {
		It("returns an authorization URL with PKCE, state, and offline hints", func() {
			f, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())

			u, err := url.Parse(f.AuthURL)
			Expect(err).NotTo(HaveOccurred())
			q := u.Query()
			Expect(q.Get("client_id")).To(Equal("client-" + testProvider))
			Expect(q.Get("redirect_uri")).To(Equal(f.RedirectURI))
			Expect(q.Get("state")).To(Equal(f.state))
			Expect(q.Get("code_challenge")).NotTo(BeEmpty())
			Expect(q.Get("code_challenge")).NotTo(Equal(f.verifier))
			Expect(q.Get("code_challenge_method")).To(Equal("S256"))
			Expect(q.Get("access_type")).To(Equal("offline"))
			Expect(q.Get("prompt")).To(Equal("consent"))
			Expect(q.Get("scope")).To(Equal("openid email"))

			Expect(f.RedirectURI).To(HavePrefix("http://localhost:"))
			Expect(f.RedirectURI).To(HaveSuffix("/oauth2callback"))
			Expect(engine.Pending(testProvider)).To(BeIdenticalTo(f))
		})

		It("rejects unknown providers", func() {
			_, err := engine.Start(ctx, "github-copilot")
			Expect(err).To(MatchError(ErrUnknownProvider))
		})
	})

	Describe("callback", func() {
		It("exchanges the code, enriches, and persists the profile", func() {
			f, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())

			status, body, err := callback(f, url.Values{"code": {"good-code"}, "state": {f.state}})
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring("Connected"))

			profile, err := f.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(profile.Access).To(Equal("access-1"))
			Expect(profile.Refresh).To(Equal("refresh-1"))
			Expect(profile.Email).To(Equal("dev@example.com"))
			Expect(profile.ProjectID).To(Equal("discovered-project"))
			Expect(profile.ExpiresAt()).To(BeTemporally("~", time.Now().Add(time.Hour), time.Minute))

			g.mu.Lock()
			sent := g.lastExchange
			g.mu.Unlock()
			Expect(sent.Get("code_verifier")).To(Equal(f.verifier))
			Expect(sent.Get("redirect_uri")).To(Equal(f.RedirectURI))

			stored := storedProfile()
			Expect(stored).To(BeAssignableToTypeOf(&credentials.OAuthProfile{}))
			Expect(stored.(*credentials.OAuthProfile).Access).To(Equal("access-1"))

			Eventually(listenerClosed(f)).Should(HaveOccurred())
			Expect(engine.Pending(testProvider)).To(BeNil())
		})

		It("never persists a profile when the state does not match", func() {
			f, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())

			status, body, err := callback(f, url.Values{"code": {"good-code"}, "state": {"forged"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(body).To(ContainSubstring("Security check failed"))

			_, err = f.Wait(ctx)
			Expect(err).To(MatchError(autherr.ErrAuthRequired))
			Expect(err.Error()).To(ContainSubstring("state mismatch"))

			Expect(storedProfile()).To(BeNil())
			Expect(g.exchanges.Load()).To(BeZero())
			Eventually(listenerClosed(f)).Should(HaveOccurred())
		})

		It("fails without writing when the provider returns an error", func() {
			f, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())

			status, _, err := callback(f, url.Values{"error": {"access_denied"}, "state": {f.state}})
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusBadRequest))

			_, err = f.Wait(ctx)
			Expect(err).To(MatchError(autherr.ErrAccessDenied))
			Expect(storedProfile()).To(BeNil())
		})

		It("fails without writing when the code is missing", func() {
			f, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())

			status, _, err := callback(f, url.Values{"state": {f.state}})
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusBadRequest))

			_, err = f.Wait(ctx)
			Expect(err).To(MatchError(autherr.ErrAuthRequired))
			Expect(storedProfile()).To(BeNil())
		})

		It("fails without writing when the code exchange is rejected", func() {
			f, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())

			status, _, err := callback(f, url.Values{"code": {"stale-code"}, "state": {f.state}})
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusBadGateway))

			_, err = f.Wait(ctx)
			Expect(err).To(MatchError(autherr.ErrAuthRequired))
			Expect(storedProfile()).To(BeNil())
		})

		It("returns not found for other paths", func() {
			f, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())

			handler := adaptor.FiberApp(f.app)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))
			Expect(rec.Code).To(Equal(http.StatusNotFound))

			Consistently(f.Done(), 100*time.Millisecond).ShouldNot(BeClosed())
		})

		It("persists the profile only once the profile lock is free", func() {
			f, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())

			held := make(chan struct{})
			release := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				Expect(engine.locker.WithLock(ctx, credentials.DefaultID(testProvider), func(context.Context) error {
					close(held)
					<-release
					return nil
				})).To(Succeed())
			}()
			Eventually(held).Should(BeClosed())

			statuses := make(chan int, 1)
			go func() {
				defer GinkgoRecover()
				status, _, err := callback(f, url.Values{"code": {"good-code"}, "state": {f.state}})
				Expect(err).NotTo(HaveOccurred())
				statuses <- status
			}()

			Consistently(f.Done(), 100*time.Millisecond).ShouldNot(BeClosed())
			Expect(storedProfile()).To(BeNil())

			close(release)
			Eventually(statuses).Should(Receive(Equal(http.StatusOK)))
			Expect(storedProfile()).NotTo(BeNil())
		})

		It("processes only the first callback", func() {
			f, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())

			handler := adaptor.FiberApp(f.app)
			first := httptest.NewRecorder()
			handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet,
				"/oauth2callback?state=forged&code=x", nil))
			Expect(first.Code).To(Equal(http.StatusBadRequest))

			second := httptest.NewRecorder()
			handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet,
				"/oauth2callback?"+url.Values{"code": {"good-code"}, "state": {f.state}}.Encode(), nil))
			Expect(second.Code).To(Equal(http.StatusBadRequest))

			Expect(storedProfile()).To(BeNil())
		})
	})

	Describe("superseding", func() {
		It("tears down the first listener so only the second flow can succeed", func() {
			first, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())

			second, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())

			_, err = first.Wait(ctx)
			Expect(err).To(MatchError(ContainSubstring("superseded")))
			Expect(listenerClosed(first)()).To(HaveOccurred())
			Expect(engine.Pending(testProvider)).To(BeIdenticalTo(second))

			status, _, err := callback(second, url.Values{"code": {"good-code"}, "state": {first.state}})
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(storedProfile()).To(BeNil())

			third, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())
			status, _, err = callback(third, url.Values{"code": {"good-code"}, "state": {third.state}})
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusOK))
			Expect(storedProfile()).NotTo(BeNil())
		})

		It("keeps flows for different providers independent", func() {
			a, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())
			b, err := engine.Start(ctx, "google-antigravity")
			Expect(err).NotTo(HaveOccurred())

			Consistently(a.Done(), 50*time.Millisecond).ShouldNot(BeClosed())
			Consistently(b.Done(), 50*time.Millisecond).ShouldNot(BeClosed())
		})
	})

	Describe("timeout", func() {
		It("tears the listener down when no callback arrives", func() {
			engine = newTestEngine(g, store, 100*time.Millisecond)
			DeferCleanup(engine.Close)

			f, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())

			Eventually(f.Done()).Should(BeClosed())
			_, err = f.Wait(ctx)
			Expect(err).To(MatchError(ContainSubstring("timed out")))
			Expect(autherr.KindOf(err)).To(Equal(autherr.KindAuthRequired))

			Eventually(listenerClosed(f)).Should(HaveOccurred())
			Expect(engine.Pending(testProvider)).To(BeNil())
		})

		It("outlives the context that started it", func() {
			startCtx, cancel := context.WithCancel(ctx)
			f, err := engine.Start(startCtx, testProvider)
			Expect(err).NotTo(HaveOccurred())
			cancel()

			status, _, err := callback(f, url.Values{"code": {"good-code"}, "state": {f.state}})
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusOK))
		})
	})

	Describe("Cancel and Close", func() {
		It("cancels a pending flow", func() {
			f, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())

			Expect(engine.Cancel(testProvider)).To(BeTrue())
			_, err = f.Wait(ctx)
			Expect(err).To(MatchError(ContainSubstring("cancelled")))
			Expect(listenerClosed(f)()).To(HaveOccurred())

			Expect(engine.Cancel(testProvider)).To(BeFalse())
		})

		It("closes every pending flow", func() {
			a, _ := engine.Start(ctx, testProvider)
			b, _ := engine.Start(ctx, "google-antigravity")

			Expect(engine.Close()).To(Succeed())
			Expect(a.Done()).To(BeClosed())
			Expect(b.Done()).To(BeClosed())
		})
	})

	Describe("fixed callback port", func() {
		var port int

		BeforeEach(func() {
			port = freePort()
			pc := g.provider(testProvider)
			pc.Port = port
			engine = New(Config{
				Store:       store,
				HTTPClient:  g.server.Client(),
				Providers:   []ProviderConfig{pc},
				FlowTimeout: 5 * time.Second,
			})
			DeferCleanup(engine.Close)
		})

		It("rebinds the port on back-to-back starts", func() {
			var last *Flow
			for i := 0; i < 50; i++ {
				f, err := engine.Start(ctx, testProvider)
				Expect(err).NotTo(HaveOccurred())
				last = f
			}
			Expect(last.RedirectURI).To(Equal("http://localhost:" + strconv.Itoa(port) + "/oauth2callback"))

			status, _, err := callback(last, url.Values{"code": {"good-code"}, "state": {last.state}})
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusOK))

			Expect(engine.Close()).To(Succeed())
			Eventually(func() error { return portFree(port) }).Should(Succeed())
		})

		It("releases the port as soon as a new flow is cancelled", func() {
			_, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())
			Expect(engine.Cancel(testProvider)).To(BeTrue())

			Expect(portFree(port)).To(Succeed())
		})

		It("releases the port when the engine closes right after start", func() {
			_, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())
			Expect(engine.Close()).To(Succeed())

			Expect(portFree(port)).To(Succeed())
		})
	})

	Describe("Wait", func() {
		It("returns when the caller's context ends", func() {
			f, err := engine.Start(ctx, testProvider)
			Expect(err).NotTo(HaveOccurred())

			waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, err = f.Wait(waitCtx)
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})
	})
})
