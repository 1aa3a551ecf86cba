package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/topicbridge/internal/api/auth"
	"github.com/topicbridge/internal/discussion"
	"github.com/topicbridge/internal/forum"
	"github.com/topicbridge/pkg/models"
)

type createPostRequest struct {
	Body              string `json:"body"`
	ReplyToPostNumber int    `json:"replyToPostNumber,omitempty"`
}

type markReadRequest struct {
	PostNumbers []int `json:"postNumbers"`
}

type postsResponse struct {
	ThreadID string       `json:"threadId"`
	Posts    []forum.Post `json:"posts"`
}

// entityRef reads the reference/referenceId query pair.
func entityRef(c echo.Context) (models.EntityRef, error) {
	ref := models.EntityRef{
		Type: strings.TrimSpace(c.QueryParam("reference")),
		ID:   strings.TrimSpace(c.QueryParam("referenceId")),
	}
	if ref.Type == "" {
		return ref, discussion.ValidationError("reference is required")
	}
	if ref.ID == "" {
		return ref, discussion.ValidationError("referenceId is required")
	}
	return ref, nil
}

// resolve validates the request and runs the get-or-create workflow, so every
// thread endpoint acts on a thread the actor can actually read.
func (s *Server) resolve(c echo.Context) (models.Actor, *discussion.Result, error) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		return actor, nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	ref, err := entityRef(c)
	if err != nil {
		return actor, nil, err
	}
	res, err := s.deps.Threads.GetOrCreate(c.Request().Context(), actor, ref)
	if err != nil {
		return actor, nil, err
	}
	return actor, res, nil
}

// getThread handles GET /api/v1/threads?reference=&referenceId=
func (s *Server) getThread(c echo.Context) error {
	_, res, err := s.resolve(c)
	if err != nil {
		return respondError(c, err)
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	return c.JSON(status, res)
}

// createPost handles POST /api/v1/threads/posts?reference=&referenceId=
func (s *Server) createPost(c echo.Context) error {
	var req createPostRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, discussion.ValidationError("invalid request body"))
	}
	if strings.TrimSpace(req.Body) == "" {
		return respondError(c, discussion.ValidationError("body is required"))
	}
	if req.ReplyToPostNumber < 0 {
		return respondError(c, discussion.ValidationError("replyToPostNumber must not be negative"))
	}

	actor, res, err := s.resolve(c)
	if err != nil {
		return respondError(c, err)
	}

	post, err := s.deps.Forum.CreatePost(c.Request().Context(), actor.Handle, forum.NewPost{
		ThreadID:          res.Thread.ID,
		Body:              req.Body,
		ReplyToPostNumber: req.ReplyToPostNumber,
	})
	if err != nil {
		log.Error().Err(err).Str("thread_id", res.Thread.ID).Str("actor", actor.Handle).Msg("failed to create post")
		return respondError(c, &discussion.Error{Kind: discussion.KindRemoteCreate, Message: "could not create post", Err: err})
	}
	return c.JSON(http.StatusCreated, post)
}

// listPosts handles GET /api/v1/threads/posts?reference=&referenceId=&postIds=1,2
func (s *Server) listPosts(c echo.Context) error {
	postIDs, err := parsePostIDs(c.QueryParam("postIds"))
	if err != nil {
		return respondError(c, err)
	}

	actor, res, err := s.resolve(c)
	if err != nil {
		return respondError(c, err)
	}

	posts, err := s.deps.Forum.ListPosts(c.Request().Context(), actor.Handle, res.Thread.ID, postIDs)
	if err != nil {
		log.Error().Err(err).Str("thread_id", res.Thread.ID).Str("actor", actor.Handle).Msg("failed to list posts")
		return respondError(c, &discussion.Error{Kind: discussion.KindRemoteFetch, Message: "could not list posts", Err: err})
	}
	if posts == nil {
		posts = []forum.Post{}
	}
	return c.JSON(http.StatusOK, postsResponse{ThreadID: res.Thread.ID, Posts: posts})
}

// markRead handles PUT /api/v1/threads/read?reference=&referenceId=
func (s *Server) markRead(c echo.Context) error {
	var req markReadRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, discussion.ValidationError("invalid request body"))
	}
	if len(req.PostNumbers) == 0 {
		return respondError(c, discussion.ValidationError("postNumbers is required"))
	}
	for _, n := range req.PostNumbers {
		if n <= 0 {
			return respondError(c, discussion.ValidationError("post numbers must be positive"))
		}
	}

	actor, res, err := s.resolve(c)
	if err != nil {
		return respondError(c, err)
	}

	if err := s.deps.Forum.MarkRead(c.Request().Context(), actor.Handle, res.Thread.ID, req.PostNumbers); err != nil {
		log.Error().Err(err).Str("thread_id", res.Thread.ID).Str("actor", actor.Handle).Msg("failed to mark posts read")
		return respondError(c, &discussion.Error{Kind: discussion.KindRemoteFetch, Message: "could not mark posts read", Err: err})
	}
	return c.NoContent(http.StatusNoContent)
}

func parsePostIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, discussion.ValidationError("postIds must be a comma-separated list of positive integers")
		}
		ids = append(ids, id)
	}
	return ids, nil
}
