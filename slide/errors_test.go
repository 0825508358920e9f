package slide

import (
	"fmt"
	"net/http"

	. "github.com/janelia-flyem/go/gocheck"
)

func (s *SlideSuite) TestErrorKinds(c *C) {
	err := NewError(ResourceExistence, "retrieve", "no level %d", 7)
	wrapped := fmt.Errorf("tile 3,4: %w", err)
	c.Assert(KindOf(wrapped), Equals, ResourceExistence)
	c.Assert(IsKind(wrapped, Corrupt), Equals, false)
	c.Assert(HTTPStatus(KindOf(wrapped)), Equals, http.StatusNotFound)

	c.Assert(KindOf(fmt.Errorf("level: %w", ErrNotFound)), Equals, ResourceExistence)
	c.Assert(KindOf(fmt.Errorf("plain")), Equals, UnknownError)
	c.Assert(WrapError(Corrupt, "read", nil), IsNil)
}

func (s *SlideSuite) TestPublicMessage(c *C) {
	err := WrapError(DatabaseQuery, "get image", fmt.Errorf("open /secret/path: denied"))
	msg := PublicMessage(err)
	c.Assert(msg, Equals, "get image failed (database query)")
	c.Assert(PublicMessage(fmt.Errorf("/var/data: boom")), Equals, "internal error")
}
