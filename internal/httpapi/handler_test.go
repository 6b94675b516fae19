package httpapi

import (
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"docsync/internal/transport"
	"docsync/internal/transport/memory"
	"docsync/pkg/testutil"
)

// =============================================================================
// HTTP API Test Suite
// =============================================================================

type HandlerSuite struct {
	suite.Suite
	store  *memory.Store
	router chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.store = memory.NewStore()
	h := NewHandler(s.store, nil, nil, nil)

	s.router = chi.NewRouter()
	h.Register(s.router)
}

func (s *HandlerSuite) TestWriteThenReadRoundTrips() {
	req := testutil.NewJSONRequest(s.T(), http.MethodPut, "/v1/users/u1", transport.RawDocument{"name": "A"})
	rr := testutil.DoRequest(s.router, req)
	testutil.AssertStatus(s.T(), rr, http.StatusOK)

	written := testutil.UnmarshalResponse[transport.RawDocument](s.T(), rr)
	s.Equal("A", written["name"])
	s.Equal("u1", written["id"], "identifier is injected into the response")

	rr = testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, "/v1/users/u1", nil))
	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	s.Equal("A", testutil.UnmarshalResponse[transport.RawDocument](s.T(), rr)["name"])
}

func (s *HandlerSuite) TestReadMissingReturns404Envelope() {
	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, "/v1/users/missing", nil))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
}

func (s *HandlerSuite) TestMalformedBodyReturns422() {
	req := testutil.NewRequestWithBody(s.T(), http.MethodPut, "/v1/users/u1", "not json")
	rr := testutil.DoRequest(s.router, req)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "malformed_document")
}

func (s *HandlerSuite) TestPatchShallowMerges() {
	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPut, "/v1/users/u1",
		transport.RawDocument{"name": "A", "level": 1}))
	s.Require().Equal(http.StatusOK, rr.Code)

	rr = testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPatch, "/v1/users/u1",
		transport.RawDocument{"name": "patched"}))
	testutil.AssertStatus(s.T(), rr, http.StatusOK)

	merged := testutil.UnmarshalResponse[transport.RawDocument](s.T(), rr)
	s.Equal("patched", merged["name"])
	s.Equal(float64(1), merged["level"], "untouched fields survive the merge")
}

func (s *HandlerSuite) TestDeleteIsIdempotent() {
	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPut, "/v1/users/u1",
		transport.RawDocument{"name": "A"}))
	s.Require().Equal(http.StatusOK, rr.Code)

	rr = testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodDelete, "/v1/users/u1", nil))
	testutil.AssertStatus(s.T(), rr, http.StatusNoContent)

	rr = testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodDelete, "/v1/users/u1", nil))
	testutil.AssertStatus(s.T(), rr, http.StatusNoContent)
}

func (s *HandlerSuite) TestEnsureCreatesOnceOnly() {
	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/users/u1/ensure",
		transport.RawDocument{"name": "first"}))
	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	s.Equal("first", testutil.UnmarshalResponse[transport.RawDocument](s.T(), rr)["name"])

	// A second ensure must not overwrite.
	rr = testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/users/u1/ensure",
		transport.RawDocument{"name": "second"}))
	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	s.Equal("first", testutil.UnmarshalResponse[transport.RawDocument](s.T(), rr)["name"])
}

func (s *HandlerSuite) TestCollectionsAreIsolated() {
	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPut, "/v1/users/x",
		transport.RawDocument{"kind": "user"}))
	s.Require().Equal(http.StatusOK, rr.Code)

	rr = testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, "/v1/rooms/x", nil))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
}
