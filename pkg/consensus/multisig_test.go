package consensus

import (
	"testing"

	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/crypto"
)

type testValidator struct {
	key    *crypto.Keypair
	member chain.Validator
}

func buildValidators(t *testing.T, n int) ([]testValidator, *chain.ValidatorSet) {
	t.Helper()
	var out []testValidator
	var members []chain.Validator
	for i := 0; i < n; i++ {
		kp, err := crypto.GenerateKeypair([]byte{byte(i), byte(i), byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		key := []byte{byte('a' + i)}
		v := chain.Validator{PublicKey: kp.PublicKey(), Key: key, Stake: 1}
		out = append(out, testValidator{key: kp, member: v})
		members = append(members, v)
	}
	return out, chain.NewValidatorSet(members)
}

func TestCreateAndCheckMultiSignature(t *testing.T) {
	vs, validators := buildValidators(t, 4)
	h := crypto.DigestBytes([]byte("hello"))

	sigs := make(map[string]crypto.Signature)
	for _, v := range vs[:3] { // 3 of 4: supermajority
		sigs[string(v.member.Key)] = v.key.SignHash(h)
	}

	ms, err := CreateMultiSignature(validators, sigs)
	if err != nil {
		t.Fatal(err)
	}
	if ms.Bitmap.Count() != 3 {
		t.Fatalf("expected 3 bits set, got %d", ms.Bitmap.Count())
	}

	leader := vs[0].member.Key
	if !CheckMultiSignature(h, ms, validators, leader, validators.TotalSlots()) {
		t.Fatal("expected multi-signature to check out")
	}
}

func TestCheckMultiSignatureRejectsMissingLeader(t *testing.T) {
	vs, validators := buildValidators(t, 4)
	h := crypto.DigestBytes([]byte("hello"))

	sigs := make(map[string]crypto.Signature)
	for _, v := range vs[1:4] { // excludes vs[0]
		sigs[string(v.member.Key)] = v.key.SignHash(h)
	}
	ms, err := CreateMultiSignature(validators, sigs)
	if err != nil {
		t.Fatal(err)
	}
	if CheckMultiSignature(h, ms, validators, vs[0].member.Key, validators.TotalSlots()) {
		t.Fatal("expected check to fail: leader never signed")
	}
}

func TestCheckMultiSignatureRejectsBelowSupermajority(t *testing.T) {
	vs, validators := buildValidators(t, 4)
	h := crypto.DigestBytes([]byte("hello"))

	sigs := make(map[string]crypto.Signature)
	for _, v := range vs[:2] { // 2 of 4, below 2/3
		sigs[string(v.member.Key)] = v.key.SignHash(h)
	}
	ms, err := CreateMultiSignature(validators, sigs)
	if err != nil {
		t.Fatal(err)
	}
	if CheckMultiSignature(h, ms, validators, vs[0].member.Key, validators.TotalSlots()) {
		t.Fatal("expected check to fail: below supermajority stake")
	}
}

func TestCreateMultiSignaturePanicsOnOrphanSigner(t *testing.T) {
	_, validators := buildValidators(t, 2)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on orphan signer")
		}
	}()
	_, _ = CreateMultiSignature(validators, map[string]crypto.Signature{"not-a-member": []byte("x")})
}

func TestMergeMultiSignatureDisjointBits(t *testing.T) {
	vs, validators := buildValidators(t, 4)
	h := crypto.DigestBytes([]byte("quorum"))

	quorumSigs := make(map[string]crypto.Signature)
	for _, v := range vs[1:4] {
		quorumSigs[string(v.member.Key)] = v.key.SignHash(h)
	}
	quorum, err := CreateMultiSignature(validators, quorumSigs)
	if err != nil {
		t.Fatal(err)
	}

	leaderSig := vs[0].key.SignHash(h)
	leaderMS, err := CreateMultiSignature(validators, map[string]crypto.Signature{string(vs[0].member.Key): leaderSig})
	if err != nil {
		t.Fatal(err)
	}

	if err := MergeMultiSignature(&quorum, leaderMS); err != nil {
		t.Fatal(err)
	}
	if quorum.Bitmap.Count() != 4 {
		t.Fatalf("expected all 4 bits set after merge, got %d", quorum.Bitmap.Count())
	}
	if !CheckMultiSignature(h, quorum, validators, vs[0].member.Key, validators.TotalSlots()) {
		t.Fatal("merged multi-signature should check out")
	}
}

func TestMergeMultiSignatureFullOverlapIsNoOp(t *testing.T) {
	vs, validators := buildValidators(t, 2)
	h := crypto.DigestBytes([]byte("same-bits"))

	sigs := map[string]crypto.Signature{string(vs[0].member.Key): vs[0].key.SignHash(h)}
	dst, err := CreateMultiSignature(validators, sigs)
	if err != nil {
		t.Fatal(err)
	}
	before := dst.Bitmap.Count()

	// src re-announces the same bit dst already has: Merge must be a no-op.
	src, err := CreateMultiSignature(validators, sigs)
	if err != nil {
		t.Fatal(err)
	}
	if err := MergeMultiSignature(&dst, src); err != nil {
		t.Fatal(err)
	}
	if dst.Bitmap.Count() != before {
		t.Fatalf("expected merge of identical bits to be a no-op, got %d bits", dst.Bitmap.Count())
	}
}
