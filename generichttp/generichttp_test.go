package generichttp_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"

	"github.com/electrode-lab/cicph/generichttp"
)

func TestGetFloatEncodesF64(t *testing.T) {
	h := generichttp.GetFloat(func() (float64, error) { return 7.25, nil })
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/ph", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"f64": 7.25}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestGetBoolEncodesBool(t *testing.T) {
	h := generichttp.GetBool(func() (bool, error) { return true, nil })
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/running", nil))
	assert.JSONEq(t, `{"bool": true}`, rec.Body.String())
}

func TestGetterErrorStatus(t *testing.T) {
	missing := generichttp.GetFloat(func() (float64, error) { return 0, generichttp.NotFound("no reading") })
	rec := httptest.NewRecorder()
	missing(rec, httptest.NewRequest(http.MethodGet, "/ph", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	broken := generichttp.GetInt(func() (int, error) { return 0, errors.New("boom") })
	rec = httptest.NewRecorder()
	broken(rec, httptest.NewRequest(http.MethodGet, "/n", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRouteTableBindAndList(t *testing.T) {
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/b"}:  generichttp.GetString(func() (string, error) { return "b", nil }),
		{Method: http.MethodPost, Path: "/a"}: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) },
	}
	assert.Equal(t, []string{"POST /a", "GET /b"}, rt.Endpoints())

	r := chi.NewRouter()
	rt.Bind(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/a", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/a", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/b", nil))
	assert.JSONEq(t, `{"str": "b"}`, rec.Body.String())
}
