package workload

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Labels and annotations written on managed objects
const (
	LabelApp       = "app.kubernetes.io/name"
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelWorkload  = "release-gate/workload"
	LabelVersion   = "release-gate/version"

	// AnnotationCanaryWorkload and AnnotationCanaryWeight carry the desired split
	// for the mesh or ingress controller fronting the service
	AnnotationCanaryWorkload = "release-gate/canary-workload"
	AnnotationCanaryWeight   = "release-gate/canary-weight"

	managedBy = "release-gate"
)

// KubeConfig selects how to reach the cluster
type KubeConfig struct {
	Kubeconfig  string
	Context     string
	ServicePort int32
	TargetPort  int32
}

// NewClientset builds a clientset from a kubeconfig path, or from the
// in-cluster service account when the path is empty
func NewClientset(cfg KubeConfig) (*kubernetes.Clientset, error) {
	var restConfig *rest.Config
	var err error

	if cfg.Kubeconfig == "" {
		restConfig, err = rest.InClusterConfig()
	} else {
		restConfig, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: cfg.Kubeconfig},
			&clientcmd.ConfigOverrides{CurrentContext: cfg.Context},
		).ClientConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create REST config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	if err := testConnection(clientset); err != nil {
		return nil, err
	}

	return clientset, nil
}

func testConnection(clientset kubernetes.Interface) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		return fmt.Errorf("failed to connect to cluster: %w", err)
	}
	return nil
}

// Kubernetes implements Orchestrator with Deployments and Services.
// Each environment maps to a namespace of the same name.
type Kubernetes struct {
	clientset   kubernetes.Interface
	servicePort int32
	targetPort  int32
	logger      zerolog.Logger
}

// NewKubernetes creates a Kubernetes orchestrator
func NewKubernetes(clientset kubernetes.Interface, cfg KubeConfig, logger zerolog.Logger) *Kubernetes {
	if cfg.ServicePort == 0 {
		cfg.ServicePort = 80
	}
	if cfg.TargetPort == 0 {
		cfg.TargetPort = 8080
	}
	return &Kubernetes{
		clientset:   clientset,
		servicePort: cfg.ServicePort,
		targetPort:  cfg.TargetPort,
		logger:      logger.With().Str("component", "kubernetes").Logger(),
	}
}

// ensureNamespace creates the namespace if it does not exist
func (k *Kubernetes) ensureNamespace(ctx context.Context, name string) error {
	_, err := k.clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to get namespace: %w", err)
	}

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{LabelManagedBy: managedBy},
		},
	}
	if _, err := k.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create namespace: %w", err)
	}

	k.logger.Info().Str("namespace", name).Msg("Namespace created")
	return nil
}

func (k *Kubernetes) Apply(ctx context.Context, env string, spec Spec) error {
	if err := k.ensureNamespace(ctx, env); err != nil {
		return err
	}

	deployments := k.clientset.AppsV1().Deployments(env)
	existing, err := deployments.Get(ctx, spec.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := deployments.Create(ctx, k.buildDeployment(spec), metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("failed to create deployment %s: %w", spec.Name, err)
		}
		k.logger.Info().Str("namespace", env).Str("workload", spec.Name).Str("version", spec.Version).Int32("replicas", spec.Replicas).Msg("Workload created")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get deployment %s: %w", spec.Name, err)
	}

	desired := k.buildDeployment(spec)
	existing.Labels = desired.Labels
	existing.Spec.Replicas = desired.Spec.Replicas
	existing.Spec.Template = desired.Spec.Template
	if _, err := deployments.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update deployment %s: %w", spec.Name, err)
	}

	k.logger.Info().Str("namespace", env).Str("workload", spec.Name).Str("version", spec.Version).Int32("replicas", spec.Replicas).Msg("Workload updated")
	return nil
}

func (k *Kubernetes) buildDeployment(spec Spec) *appsv1.Deployment {
	replicas := spec.Replicas
	selector := map[string]string{LabelApp: spec.Service, LabelWorkload: spec.Name}
	labels := map[string]string{
		LabelApp:       spec.Service,
		LabelWorkload:  spec.Name,
		LabelVersion:   spec.Version,
		LabelManagedBy: managedBy,
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.Name,
			Labels: labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  spec.Service,
						Image: spec.Image,
						Ports: []corev1.ContainerPort{{ContainerPort: k.targetPort}},
					}},
				},
			},
		},
	}
}

func (k *Kubernetes) Scale(ctx context.Context, env, name string, replicas int32) error {
	deployments := k.clientset.AppsV1().Deployments(env)
	d, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("deployment %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get deployment %s: %w", name, err)
	}

	d.Spec.Replicas = &replicas
	if _, err := deployments.Update(ctx, d, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to scale deployment %s: %w", name, err)
	}

	k.logger.Debug().Str("namespace", env).Str("workload", name).Int32("replicas", replicas).Msg("Workload scaled")
	return nil
}

func (k *Kubernetes) Status(ctx context.Context, env, name string) (Status, error) {
	d, err := k.clientset.AppsV1().Deployments(env).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("failed to get deployment %s: %w", name, err)
	}

	st := Status{
		Exists:  true,
		Version: d.Labels[LabelVersion],
		Ready:   d.Status.ReadyReplicas,
	}
	if d.Spec.Replicas != nil {
		st.Desired = *d.Spec.Replicas
	}
	if cs := d.Spec.Template.Spec.Containers; len(cs) > 0 {
		st.Image = cs[0].Image
	}

	total, err := k.podCount(ctx, env, name)
	if err != nil {
		return Status{}, err
	}
	st.Total = total
	if d.Status.Replicas > st.Total {
		st.Total = d.Status.Replicas
	}

	return st, nil
}

// podCount returns the number of pods, terminating included, that belong to a workload
func (k *Kubernetes) podCount(ctx context.Context, env, name string) (int32, error) {
	pods, err := k.clientset.CoreV1().Pods(env).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", LabelWorkload, name),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list pods: %w", err)
	}
	return int32(len(pods.Items)), nil
}

func (k *Kubernetes) Delete(ctx context.Context, env, name string) error {
	err := k.clientset.AppsV1().Deployments(env).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete deployment %s: %w", name, err)
	}

	k.logger.Info().Str("namespace", env).Str("workload", name).Msg("Workload deleted")
	return nil
}

func (k *Kubernetes) ActiveWorkload(ctx context.Context, env, service string) (string, error) {
	svc, err := k.clientset.CoreV1().Services(env).Get(ctx, service, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get service %s: %w", service, err)
	}
	return svc.Spec.Selector[LabelWorkload], nil
}

func (k *Kubernetes) SwitchTraffic(ctx context.Context, env, service, workload string) error {
	services := k.clientset.CoreV1().Services(env)
	svc, err := services.Get(ctx, service, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if err := k.ensureNamespace(ctx, env); err != nil {
			return err
		}
		if _, err := services.Create(ctx, k.buildService(service, workload), metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("failed to create service %s: %w", service, err)
		}
		k.logger.Info().Str("namespace", env).Str("service", service).Str("workload", workload).Msg("Service created")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get service %s: %w", service, err)
	}

	// a single Update swaps the selector and drops the split together
	svc.Spec.Selector = map[string]string{LabelApp: service, LabelWorkload: workload}
	delete(svc.Annotations, AnnotationCanaryWorkload)
	delete(svc.Annotations, AnnotationCanaryWeight)
	if _, err := services.Update(ctx, svc, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to switch service %s: %w", service, err)
	}

	k.logger.Info().Str("namespace", env).Str("service", service).Str("workload", workload).Msg("Traffic switched")
	return nil
}

func (k *Kubernetes) buildService(service, workload string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:   service,
			Labels: map[string]string{LabelApp: service, LabelManagedBy: managedBy},
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{LabelApp: service, LabelWorkload: workload},
			Ports: []corev1.ServicePort{{
				Port:       k.servicePort,
				TargetPort: intstr.FromInt32(k.targetPort),
			}},
		},
	}
}

func (k *Kubernetes) SetTrafficSplit(ctx context.Context, env, service, canary string, percent int) error {
	services := k.clientset.CoreV1().Services(env)
	svc, err := services.Get(ctx, service, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("service %s: %w", service, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get service %s: %w", service, err)
	}

	if svc.Annotations == nil {
		svc.Annotations = map[string]string{}
	}
	if percent <= 0 {
		delete(svc.Annotations, AnnotationCanaryWorkload)
		delete(svc.Annotations, AnnotationCanaryWeight)
	} else {
		svc.Annotations[AnnotationCanaryWorkload] = canary
		svc.Annotations[AnnotationCanaryWeight] = strconv.Itoa(percent)
	}

	if _, err := services.Update(ctx, svc, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to set traffic split on %s: %w", service, err)
	}

	k.logger.Info().Str("namespace", env).Str("service", service).Str("canary", canary).Int("percent", percent).Msg("Traffic split updated")
	return nil
}
