package apierr

import (
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type missing struct{ idx int }

func (m missing) Error() string { return fmt.Sprintf("missing %d", m.idx) }
func (m missing) ErrKind() Kind { return KindConflict }

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"explicit", Invalid("bad"), KindInvalidRequest},
		{"wrapped explicit", errors.Wrap(NotFound("gone"), "ctx"), KindNotFound},
		{"custom kind", errors.Wrap(missing{idx: 3}, "assemble"), KindConflict},
		{"not exist", &os.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}, KindNotFound},
		{"exist", &os.PathError{Op: "mkdir", Path: "/x", Err: fs.ErrExist}, KindConflict},
		{"permission", &os.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, KindPermissionDenied},
		{"io wrapping permission", IO(&os.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, "open file"), KindPermissionDenied},
		{"plain", errors.New("disk on fire"), KindIOFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, KindUnsafePath.HTTPStatus())
	require.Equal(t, http.StatusConflict, KindConflict.HTTPStatus())
	require.Equal(t, http.StatusInternalServerError, KindIOFailure.HTTPStatus())
	require.Equal(t, "unsafe_path", KindUnsafePath.String())
}

func TestMessageHidesCause(t *testing.T) {
	err := IO(errors.New("open /srv/secret/path: input/output error"), "write failed")
	require.Equal(t, "write failed", Message(err))
	require.Equal(t, "internal error", Message(errors.New("boom")))
	require.Equal(t, "missing 2", Message(errors.Wrap(missing{idx: 2}, "assemble")))
	require.Equal(t, "not found", Message(&os.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}))
}

func TestSentinelIs(t *testing.T) {
	sentinel := New(KindNotFound, "session not found")
	wrapped := errors.Wrap(New(KindNotFound, "session not found"), "assemble")
	require.True(t, errors.Is(wrapped, sentinel))
	require.False(t, errors.Is(wrapped, New(KindNotFound, "other")))
}
