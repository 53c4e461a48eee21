package collab

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of the authority's bearer jwt. The client never verifies the
// signature. It only reads the identity claims for display and for the
// self-echo filter; the authority verifies on every call.

type ByJwt struct {
	UserId   Id
	UserName string
}

func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	// a claim with an unexpected json type is ignored, not an error
	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if userName, ok := claims["sub"].(string); ok {
		byJwt.UserName = userName
	}
	if userName, ok := claims["user_name"].(string); ok {
		byJwt.UserName = userName
	}

	return byJwt, nil
}
