package testutil

import (
	"context"
	"sync"

	"postmedia/internal/models"
)

// PostDirectoryStub answers the post collaborator questions from memory.
type PostDirectoryStub struct {
	mu       sync.Mutex
	posts    map[string]models.Post
	limits   map[string]int
	fallback int
	Err      error
}

func NewPostDirectoryStub(fallbackLimit int) *PostDirectoryStub {
	return &PostDirectoryStub{
		posts:    make(map[string]models.Post),
		limits:   make(map[string]int),
		fallback: fallbackLimit,
	}
}

func (s *PostDirectoryStub) AddPost(post models.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[post.ID] = post
}

func (s *PostDirectoryStub) SetLimit(category string, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[category] = limit
}

func (s *PostDirectoryStub) PostExists(_ context.Context, postID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	_, ok := s.posts[postID]
	return ok, nil
}

func (s *PostDirectoryStub) CategoryOf(_ context.Context, postID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts[postID].Category, s.Err
}

func (s *PostDirectoryStub) VerifyOwner(_ context.Context, userID, postID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	post, ok := s.posts[postID]
	return ok && post.OwnerID == userID, nil
}

func (s *PostDirectoryStub) MaxImagesForCategory(_ context.Context, category string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit, ok := s.limits[category]; ok {
		return limit, nil
	}
	return s.fallback, nil
}
