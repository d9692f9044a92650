package kubernetes

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/mi6-platform/moneypenny/internal/backend"
	"github.com/mi6-platform/moneypenny/internal/dossier"
	"github.com/mi6-platform/moneypenny/internal/orders"
)

const testNamespace = "moneypenny"

const mYAML = `commission:
  - name: farthing
    image: lsstsqre/farthing:latest
  - name: provision-homedir
    image: provisioner:latest
retire:
  - name: remove-homedir
    image: provisioner:latest
`

func newTestClient(t *testing.T) (*Client, *fake.Clientset) {
	t.Helper()
	mPath := filepath.Join(t.TempDir(), "m.yaml")
	require.NoError(t, os.WriteFile(mPath, []byte(mYAML), 0o644))

	clientset := fake.NewSimpleClientset()
	return newClient(clientset, testNamespace, orders.NewM(mPath), ""), clientset
}

func testUnit(username string, action dossier.Action) backend.Unit {
	return backend.Unit{
		Action:   action,
		Username: username,
		UID:      1007,
		Groups:   []dossier.Group{{Name: "staff", ID: 200}},
		Payload:  []byte(`{"username":"` + username + `","uid":1007,"groups":[{"name":"staff","id":200}]}`),
	}
}

func setJobCondition(t *testing.T, clientset *fake.Clientset, name string, condType batchv1.JobConditionType, msg string) {
	t.Helper()
	ctx := context.Background()
	job, err := clientset.BatchV1().Jobs(testNamespace).Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)
	job.Status.Conditions = append(job.Status.Conditions, batchv1.JobCondition{
		Type:    condType,
		Status:  corev1.ConditionTrue,
		Message: msg,
	})
	_, err = clientset.BatchV1().Jobs(testNamespace).UpdateStatus(ctx, job, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func TestSubmitCreatesJobAndConfigMap(t *testing.T) {
	c, clientset := newTestClient(t)
	ctx := context.Background()
	unit := testUnit("jb007", dossier.ActionCommission)

	require.NoError(t, c.Submit(ctx, unit))

	job, err := clientset.BatchV1().Jobs(testNamespace).Get(ctx, "jb007-commission", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, managedByValue, job.Labels[managedByLabel])
	assert.Equal(t, "jb007", job.Labels[usernameLabel])
	assert.Equal(t, "commission", job.Labels[actionLabel])

	// Last container in the orders is the main container, the rest run
	// first as init containers.
	require.Len(t, job.Spec.Template.Spec.InitContainers, 1)
	assert.Equal(t, "farthing", job.Spec.Template.Spec.InitContainers[0].Name)
	require.Len(t, job.Spec.Template.Spec.Containers, 1)
	assert.Equal(t, "provision-homedir", job.Spec.Template.Spec.Containers[0].Name)

	// Every container sees the dossier read-only.
	for _, ctr := range append(job.Spec.Template.Spec.InitContainers, job.Spec.Template.Spec.Containers...) {
		require.Len(t, ctr.VolumeMounts, 1)
		assert.Equal(t, "/opt/dossier", ctr.VolumeMounts[0].MountPath)
		assert.True(t, ctr.VolumeMounts[0].ReadOnly)
	}

	cm, err := clientset.CoreV1().ConfigMaps(testNamespace).Get(ctx, "jb007-commission-dossier", metav1.GetOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, string(unit.Payload), cm.Data["dossier.json"])
}

func TestSubmitSingleContainerOrders(t *testing.T) {
	c, clientset := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, testUnit("jb007", dossier.ActionRetire)))

	job, err := clientset.BatchV1().Jobs(testNamespace).Get(ctx, "jb007-retire", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, job.Spec.Template.Spec.InitContainers)
	require.Len(t, job.Spec.Template.Spec.Containers, 1)
	assert.Equal(t, "remove-homedir", job.Spec.Template.Spec.Containers[0].Name)
}

func TestSubmitReplayIsIdempotent(t *testing.T) {
	c, clientset := newTestClient(t)
	ctx := context.Background()
	unit := testUnit("jb007", dossier.ActionCommission)

	require.NoError(t, c.Submit(ctx, unit))
	require.NoError(t, c.Submit(ctx, unit))

	jobs, err := clientset.BatchV1().Jobs(testNamespace).List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, jobs.Items, 1)
}

func TestSubmitRecreatesFailedJob(t *testing.T) {
	c, clientset := newTestClient(t)
	ctx := context.Background()
	unit := testUnit("jb007", dossier.ActionCommission)

	require.NoError(t, c.Submit(ctx, unit))
	setJobCondition(t, clientset, "jb007-commission", batchv1.JobFailed, "homedir quota exceeded")

	require.NoError(t, c.Submit(ctx, unit))

	st, err := c.Poll(ctx, unit.Ref())
	require.NoError(t, err)
	assert.Equal(t, backend.StateActive, st.State)
}

func TestSubmitRecreatesCompletedJob(t *testing.T) {
	c, clientset := newTestClient(t)
	ctx := context.Background()
	unit := testUnit("jb007", dossier.ActionCommission)

	require.NoError(t, c.Submit(ctx, unit))
	setJobCondition(t, clientset, "jb007-commission", batchv1.JobComplete, "")

	// A later order for the same identity must get a fresh Job and a fresh
	// dossier, not the finished Job's Complete condition.
	fresh := unit
	fresh.Payload = []byte(`{"username":"jb007","uid":1007,"groups":[{"name":"doubleos","id":500}]}`)
	require.NoError(t, c.Submit(ctx, fresh))

	st, err := c.Poll(ctx, unit.Ref())
	require.NoError(t, err)
	assert.Equal(t, backend.StateActive, st.State)

	cm, err := clientset.CoreV1().ConfigMaps(testNamespace).Get(ctx, "jb007-commission-dossier", metav1.GetOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, string(fresh.Payload), cm.Data["dossier.json"])
}

func TestPoll(t *testing.T) {
	c, clientset := newTestClient(t)
	ctx := context.Background()
	unit := testUnit("jb007", dossier.ActionCommission)

	require.NoError(t, c.Submit(ctx, unit))

	st, err := c.Poll(ctx, unit.Ref())
	require.NoError(t, err)
	assert.Equal(t, backend.StateActive, st.State)

	setJobCondition(t, clientset, "jb007-commission", batchv1.JobComplete, "")
	st, err = c.Poll(ctx, unit.Ref())
	require.NoError(t, err)
	assert.Equal(t, backend.StateSucceeded, st.State)
}

func TestPollFailedJobCarriesMessage(t *testing.T) {
	c, clientset := newTestClient(t)
	ctx := context.Background()
	unit := testUnit("jb007", dossier.ActionCommission)

	require.NoError(t, c.Submit(ctx, unit))
	setJobCondition(t, clientset, "jb007-commission", batchv1.JobFailed, "homedir quota exceeded")

	st, err := c.Poll(ctx, unit.Ref())
	require.NoError(t, err)
	assert.Equal(t, backend.StateFailed, st.State)
	assert.Equal(t, "homedir quota exceeded", st.Message)
}

func TestPollMissingJob(t *testing.T) {
	c, _ := newTestClient(t)

	st, err := c.Poll(context.Background(), backend.UnitRef{Action: dossier.ActionCommission, Username: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, backend.StateMissing, st.State)
}

func TestListActive(t *testing.T) {
	c, clientset := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, testUnit("jb007", dossier.ActionCommission)))
	require.NoError(t, c.Submit(ctx, testUnit("felix", dossier.ActionCommission)))
	setJobCondition(t, clientset, "felix-commission", batchv1.JobComplete, "")

	refs, err := c.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, backend.UnitRef{Action: dossier.ActionCommission, Username: "jb007"}, refs[0])
}

func TestRemove(t *testing.T) {
	c, clientset := newTestClient(t)
	ctx := context.Background()
	unit := testUnit("jb007", dossier.ActionCommission)

	require.NoError(t, c.Submit(ctx, unit))
	require.NoError(t, c.Remove(ctx, unit.Ref()))

	_, err := clientset.BatchV1().Jobs(testNamespace).Get(ctx, "jb007-commission", metav1.GetOptions{})
	assert.Error(t, err)
	_, err = clientset.CoreV1().ConfigMaps(testNamespace).Get(ctx, "jb007-commission-dossier", metav1.GetOptions{})
	assert.Error(t, err)

	// Removing an absent unit is fine.
	require.NoError(t, c.Remove(ctx, unit.Ref()))
}

func TestSubmitNoOrders(t *testing.T) {
	mPath := filepath.Join(t.TempDir(), "m.yaml")
	require.NoError(t, os.WriteFile(mPath, []byte("commission:\n  - name: provision\n    image: provisioner:latest\n"), 0o644))
	c := newClient(fake.NewSimpleClientset(), testNamespace, orders.NewM(mPath), "")

	err := c.Submit(context.Background(), testUnit("jb007", dossier.ActionRetire))
	assert.ErrorIs(t, err, orders.ErrNoOrders)
}
