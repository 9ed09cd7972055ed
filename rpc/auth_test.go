package rpc

import "testing"

func TestAuthResponse_ChecksOutWithCorrectKey(t *testing.T) {
	key, err := GenerateUserKey()
	if err != nil {
		t.Fatal(err)
	}
	challenge, err := generateChallenge()
	if err != nil {
		t.Fatal(err)
	}

	response, err := authResponse(key, challenge)
	if err != nil {
		t.Fatal(err)
	}
	if !checkAuthResponse(key, challenge, response) {
		t.Fatal("expected response to check out")
	}
}

func TestAuthResponse_RejectsWrongKey(t *testing.T) {
	key1, _ := GenerateUserKey()
	key2, _ := GenerateUserKey()
	challenge, _ := generateChallenge()

	response, err := authResponse(key1, challenge)
	if err != nil {
		t.Fatal(err)
	}
	if checkAuthResponse(key2, challenge, response) {
		t.Fatal("expected response to be rejected for wrong key")
	}
}

func TestAuthResponse_RejectsWrongChallenge(t *testing.T) {
	key, _ := GenerateUserKey()
	challenge1, _ := generateChallenge()
	challenge2, _ := generateChallenge()

	response, err := authResponse(key, challenge1)
	if err != nil {
		t.Fatal(err)
	}
	if checkAuthResponse(key, challenge2, response) {
		t.Fatal("expected response to be rejected for wrong challenge")
	}
}

func TestGenerateChallenge_Unique(t *testing.T) {
	a, err := generateChallenge()
	if err != nil {
		t.Fatal(err)
	}
	b, err := generateChallenge()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected distinct challenges")
	}
}
